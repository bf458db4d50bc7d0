// Command catfs mounts a pass-through caching filesystem: reads and
// writes against the mountpoint are served from a local cache directory,
// kept coherent with an authoritative source directory by fingerprint
// xattrs, background page-in, and write-through (or flush-on-close)
// writeback.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"catfs/internal/catfserr"
	"catfs/internal/config"
	"catfs/internal/core"
	"catfs/internal/fsadapter"
	"catfs/internal/governor"
	"catfs/internal/handle"
	"catfs/internal/logging"
	"catfs/internal/mountlock"
	"catfs/internal/validator"
)

// Exit codes, matching the external interface's documented contract.
const (
	exitOK               = 0
	exitSourceUnreadable = 1
	exitXattrUnsupported = 2
	exitMountBusy        = 3
	exitMountFailed      = 4
)

var log = logging.GetLogger().WithPrefix("main")

func main() {
	os.Exit(run())
}

func run() int {
	flags, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitMountFailed
	}

	if flags.Verbose {
		logging.GetLogger().SetLevel(logrus.DebugLevel)
	}

	sessionID := uuid.New().String()
	log = log.With("session", sessionID)
	log.Info("Starting catfs (source=%q cache=%q mount=%q)", flags.SourceDir, flags.CacheDir, flags.MountPoint)

	srcDir := filepath.Clean(flags.SourceDir)
	cacheDir := filepath.Clean(flags.CacheDir)
	mountPoint := filepath.Clean(flags.MountPoint)

	if info, statErr := os.Stat(srcDir); statErr != nil || !info.IsDir() {
		log.Error("Source directory %q is not readable: %v", srcDir, statErr)
		return exitSourceUnreadable
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		log.Error("Failed to create cache directory %q: %v", cacheDir, err)
		return exitMountFailed
	}

	lock, err := mountlock.Acquire(cacheDir)
	if err != nil {
		if err == mountlock.ErrBusy {
			log.Error("Cache root %q is already mounted by another catfs process", cacheDir)
			return exitMountBusy
		}
		log.Error("Failed to acquire mount lock: %v", err)
		return exitMountFailed
	}
	defer lock.Release()

	srcRoot, err := handle.OpenRoot(srcDir)
	if err != nil {
		log.Error("Failed to open source root: %v", err)
		return exitSourceUnreadable
	}
	cacheRoot, err := handle.OpenRoot(cacheDir)
	if err != nil {
		log.Error("Failed to open cache root: %v", err)
		return exitMountFailed
	}

	if err := validator.ProbeXattrSupport(cacheRoot); err != nil {
		if kind, ok := catfserr.KindOf(err); ok && kind == catfserr.XattrUnsupported {
			log.Error("Cache filesystem %q does not support extended attributes: %v", cacheDir, err)
			srcRoot.Close()
			cacheRoot.Close()
			return exitXattrUnsupported
		}
		log.Error("Failed to probe cache filesystem for xattr support: %v", err)
		srcRoot.Close()
		cacheRoot.Close()
		return exitMountFailed
	}

	v := validator.New(flags.EntityTagXattr)
	c := core.New(srcRoot, cacheRoot, v, flags.Threads)
	defer c.Close()

	gov := governor.New(governor.Config{
		CacheRoot:    cacheDir,
		FloorBytes:   flags.Free.Bytes,
		FloorPercent: flags.Free.Percent,
		Refs:         c,
	})
	govCtx, cancelGov := context.WithCancel(context.Background())
	go gov.Run(govCtx)
	defer func() {
		cancelGov()
		gov.Stop()
	}()

	fs := fsadapter.New(c, flags.UID, flags.GID)

	mountOpts := []fuse.MountOption{
		fuse.FSName("catfs"),
		fuse.Subtype("catfs"),
		fuse.DefaultPermissions(),
	}
	if flags.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}

	conn, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		log.Error("Mount failed: %v", err)
		return exitMountFailed
	}
	defer conn.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("Received signal %v, unmounting", sig)
		if err := fuse.Unmount(mountPoint); err != nil {
			log.Error("Unmount error: %v", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info("Serving filesystem at %q", mountPoint)
		if err := fusefs.Serve(conn, fs); err != nil {
			log.Error("FUSE server error: %v", err)
		}
	}()

	<-conn.Ready
	if err := conn.MountError; err != nil {
		log.Error("Mount error: %v", err)
		return exitMountFailed
	}

	wg.Wait()
	log.Info("Clean shutdown complete")
	return exitOK
}
