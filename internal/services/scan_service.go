// Package services wires the device, engine and phase driver into the
// two entry points the sample binary exposes: the full filesystem
// scan and the directory-tree-only scan.
package services

import (
	"github.com/sirupsen/logrus"

	"github.com/dialohq/fxfsp/internal/device"
	"github.com/dialohq/fxfsp/internal/engine"
	"github.com/dialohq/fxfsp/internal/interfaces"
	"github.com/dialohq/fxfsp/internal/scan"
	"github.com/dialohq/fxfsp/internal/types"
)

// ScanOptions configures a scan run.
type ScanOptions struct {
	// Engine tuning; a zero MaxMerged or QueueDepth takes its default,
	// the other fields are used as given.
	Config engine.Config

	// MaxAg limits the scan to the first N allocation groups when
	// non-zero. Used by benchmarks to sample large filesystems.
	MaxAg uint32

	// IoLogPath enables CSV logging of every requested range.
	IoLogPath string
	// IoLogLimit caps the number of logged rows; zero means no cap.
	IoLogLimit int

	// Logger receives progress and anomaly logs. Nil uses the
	// standard logger.
	Logger *logrus.Logger
}

func (o *ScanOptions) logger() *logrus.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logrus.StandardLogger()
}

// ScanHandler receives the event stream. Nil callbacks mean "not
// interested"; a Break verdict from any of them stops the whole scan
// cleanly.
type ScanHandler struct {
	OnSuperblock func(*scan.SuperblockInfo) scan.Control
	OnAgBegin    func(types.AgNumber) scan.Control
	OnAgEnd      func(types.AgNumber, *scan.RecordErrors) scan.Control
	OnInode      func(*scan.InodeRecord) scan.Control
	OnFileExtent func(*scan.FileExtentRecord) scan.Control
	OnDirEntry   func(*scan.DirEntryRecord) scan.Control
}

// Scan walks every allocation group of the filesystem at path,
// emitting inode, file extent and directory entry events in
// sequential disk order.
func Scan(path string, opts ScanOptions, h ScanHandler) error {
	eng, cleanup, err := openEngine(path, &opts)
	if err != nil {
		return err
	}
	defer cleanup()

	info, scanner, err := scan.ParseSuperblock(eng)
	if err != nil {
		return err
	}
	log := opts.logger()
	logSuperblock(log, path, info)

	if h.OnSuperblock != nil && h.OnSuperblock(info).Stopped() {
		return nil
	}

	agLimit := info.AgCount
	if opts.MaxAg != 0 && opts.MaxAg < agLimit {
		agLimit = opts.MaxAg
	}

	for agno := uint32(0); agno < agLimit; agno++ {
		ag, err := scanner.NextAG()
		if err != nil {
			return err
		}
		if ag == nil {
			break
		}

		if h.OnAgBegin != nil && h.OnAgBegin(ag.AgNumber()).Stopped() {
			return nil
		}

		stopped, errs, err := scanAg(ag, h)
		if err != nil {
			return err
		}
		if stopped {
			return nil
		}

		if errs.BadInodes+errs.BadExtents+errs.BadDirents+errs.BadCrcs > 0 {
			log.WithFields(logrus.Fields{
				"ag":          ag.AgNumber(),
				"bad_inodes":  errs.BadInodes,
				"bad_extents": errs.BadExtents,
				"bad_dirents": errs.BadDirents,
				"bad_crcs":    errs.BadCrcs,
			}).Warn("records dropped during scan")
		}

		if h.OnAgEnd != nil && h.OnAgEnd(ag.AgNumber(), errs).Stopped() {
			return nil
		}
	}

	return nil
}

// scanAg runs one AG's phase chain. Break from a callback stops the
// remaining phases cleanly (they are skipped, as the driver requires
// the chain to be completed).
func scanAg(ag *scan.AgScanner, h ScanHandler) (stopped bool, errs *scan.RecordErrors, err error) {
	// A phase hands back only the Break payload, which may be nil, so
	// the verdicts are watched here to notice every stop.
	watch := func(c scan.Control) scan.Control {
		stopped = stopped || c.Stopped()
		return c
	}
	inodeCb := func(rec *scan.InodeRecord) scan.Control {
		if h.OnInode != nil {
			return watch(h.OnInode(rec))
		}
		return scan.Continue()
	}

	extentPhase, _, err := ag.ScanInodes(inodeCb)
	if err != nil {
		return false, nil, err
	}
	if stopped {
		dirPhase, err := extentPhase.SkipExtents()
		if err != nil {
			return false, nil, err
		}
		return true, dirPhase.Counters(), dirPhase.SkipDirs()
	}

	var dirPhase *scan.AgDirPhase
	if h.OnFileExtent != nil {
		dirPhase, _, err = extentPhase.ScanFileExtents(func(rec *scan.FileExtentRecord) scan.Control {
			return watch(h.OnFileExtent(rec))
		})
		if err != nil {
			return false, nil, err
		}
		if stopped {
			return true, dirPhase.Counters(), dirPhase.SkipDirs()
		}
	} else {
		dirPhase, err = extentPhase.SkipExtents()
		if err != nil {
			return false, nil, err
		}
	}

	if h.OnDirEntry != nil {
		_, err := dirPhase.ScanDirEntries(func(rec *scan.DirEntryRecord) scan.Control {
			return watch(h.OnDirEntry(rec))
		})
		if err != nil {
			return false, nil, err
		}
		return stopped, dirPhase.Counters(), nil
	}
	return false, dirPhase.Counters(), dirPhase.SkipDirs()
}

// openEngine opens the device cold and stacks the configured engine
// and instrumentation on top of it.
func openEngine(path string, opts *ScanOptions) (interfaces.IoEngine, func(), error) {
	dev, err := device.Open(path)
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(dev, opts.Config)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}

	var top interfaces.IoEngine = eng
	if opts.IoLogPath != "" {
		limit := opts.IoLogLimit
		if limit == 0 {
			limit = -1
		}
		instrumented, err := engine.NewInstrumented(eng, opts.IoLogPath, limit)
		if err != nil {
			eng.Close()
			dev.Close()
			return nil, nil, err
		}
		top = instrumented
	}

	cleanup := func() {
		top.Close()
		dev.Close()
	}
	return top, cleanup, nil
}

func logSuperblock(log *logrus.Logger, path string, info *scan.SuperblockInfo) {
	log.WithFields(logrus.Fields{
		"path":       path,
		"block_size": info.BlockSize,
		"ag_count":   info.AgCount,
		"inode_size": info.InodeSize,
		"root_ino":   info.RootIno,
		"uuid":       info.UUID,
		"v5":         info.V5,
	}).Debug("superblock parsed")

	if info.HasReflink || info.HasRmapbt {
		log.Warn("reflink/rmap metadata present; those trees are skipped")
	}
}
