package cask

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/raciott/fincask/storage"
	"github.com/raciott/fincask/storage/record"
	"github.com/raciott/fincask/storage/segment"
)

// compactor reclaims space from files whose stale fraction crossed the
// merge threshold. It copies only fresh records into a new destination
// segment, swings the directory over entry by entry and deletes each
// source file once it is fully drained.
type compactor struct {
	store   *Store
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCompactor(s *Store) *compactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &compactor{
		store:   s,
		limiter: rate.NewLimiter(rate.Limit(s.opts.CompactionJobRate), s.opts.CompactionJobRate),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *compactor) start() {
	c.wg.Add(1)
	go c.run()
}

func (c *compactor) stop() {
	c.cancel()
	c.wg.Wait()
}

func (c *compactor) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.store.opts.MergeJobInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.store.candidateCount() < c.store.opts.MergeThresholdFileNumber {
				continue
			}
			c.mergeOnce()
		}
	}
}

// mergeOnce drains the candidate set and compacts every drained file.
// Each source is handled independently: a failure on one file is logged
// and the remaining sources still get compacted.
func (c *compactor) mergeOnce() {
	start := time.Now()
	defer func() { c.store.metrics.Observe("merge", time.Since(start)) }()

	ids := c.store.drainCandidates(c.store.opts.MergeThresholdFileNumber)
	if len(ids) == 0 {
		return
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	c.store.log.WithField("files", ids).Info("compaction started")

	dest, err := c.newDestination()
	if err != nil {
		c.store.log.WithError(err).Error("compaction aborted, cannot create destination")
		return
	}

	merged := 0
	for _, id := range ids {
		select {
		case <-c.ctx.Done():
			c.store.log.Info("compaction interrupted by shutdown")
			return
		default:
		}

		var copyErr error
		dest, copyErr = c.copyFreshRecords(id, dest)
		if copyErr != nil {
			c.store.log.WithField("file_id", id).WithError(copyErr).
				Error("compaction of file failed, leaving it in place")
			continue
		}

		// The destination must be durable before the source disappears;
		// otherwise a crash here could lose the relocated records.
		if err := dest.Force(true); err != nil {
			c.store.log.WithField("file_id", id).WithError(err).
				Error("sync of compaction destination failed, leaving source in place")
			continue
		}
		if err := c.store.dropFile(id); err != nil {
			c.store.log.WithField("file_id", id).WithError(err).
				Warn("failed to delete compacted file")
		}
		merged++
	}

	c.store.log.WithFields(logrus.Fields{
		"files":    merged,
		"duration": time.Since(start),
	}).Info("compaction finished")
}

func (c *compactor) newDestination() (*segment.Segment, error) {
	id := c.store.nextFileID.Add(1)
	dest, err := segment.Create(c.store.opts.DataDir, id)
	if err != nil {
		return nil, err
	}
	c.store.files.Store(id, dest)
	return dest, nil
}

// copyFreshRecords walks one source file's index and relocates every
// record that is still current. It returns the destination segment in
// use afterwards, which may differ from the one passed in if a rollover
// happened mid-file.
func (c *compactor) copyFreshRecords(sourceID int32, dest *segment.Segment) (*segment.Segment, error) {
	src, ok := c.store.segment(sourceID)
	if !ok {
		return dest, nil
	}

	var unflushed int64
	flushEvery := c.store.opts.FlushDataSizeBytes

	err := src.IterateIndex(func(e *record.IndexEntry) error {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		meta, live := c.store.dir.Get(e.Key)
		if !c.isFresh(e, sourceID, meta, live) {
			return nil
		}

		size := int64(e.RecordSize)
		if int(size) <= c.limiter.Burst() {
			if err := c.limiter.WaitN(c.ctx, int(size)); err != nil {
				return err
			}
		}

		if !dest.HasRoomFor(size, c.store.opts.MaxFileSize) {
			if err := dest.Force(true); err != nil {
				return err
			}
			next, err := c.newDestination()
			if err != nil {
				return err
			}
			dest = next
			unflushed = 0
		}

		newMeta, err := dest.TransferFrom(src.DataFile(), int64(e.RecordOffset), size, e)
		if err != nil {
			return err
		}

		// A concurrent write may have superseded the record after the
		// freshness check; the compare-and-swap keeps the newer entry
		// and the copied bytes simply count as stale in the destination.
		if e.Flags != storage.FlagTombstone {
			if !c.store.dir.CompareAndReplace(e.Key, meta, newMeta) {
				c.store.recoveryStale(newMeta, len(e.Key))
			}
		}

		unflushed += size
		if flushEvery > 0 && unflushed >= flushEvery {
			if err := dest.Force(false); err != nil {
				return err
			}
			unflushed = 0
		}
		return nil
	})
	return dest, err
}

// isFresh reports whether an index entry still describes the current
// copy of its key. A tombstone-flagged entry with no directory entry is
// fresh: the delete it records must survive the merge.
func (c *compactor) isFresh(e *record.IndexEntry, sourceID int32, meta storage.RecordMeta, live bool) bool {
	if e.Flags == storage.FlagTombstone {
		return !live
	}
	if !live {
		return false
	}
	return meta.FileID == sourceID &&
		meta.ValueOffset == record.ValueOffset(e.RecordOffset, len(e.Key))
}
