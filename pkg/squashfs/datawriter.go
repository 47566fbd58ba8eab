/*
   Copyright The tar2sqfs Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package squashfs

import (
	"bytes"
	"container/heap"
	"context"
	_ "crypto/sha256" // required for digest package
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/tych0/squashfs-tools-ng/pkg/fstree"
	"github.com/tych0/squashfs-tools-ng/pkg/squashfs/compression"
)

// blockUncompressedFlag marks a data block that was stored raw because
// compression did not shrink it.
const blockUncompressedFlag = 1 << 24

const (
	kindBlock = iota
	kindFragmentBlock
	kindEndOfFile
)

// workItem is one unit handed to the compression workers. Sequence
// numbers define the exact on-disk order the writer task must emit
// them in.
type workItem struct {
	seq  uint64
	kind int
	data []byte

	file        *fstree.FileInfo
	blockIndex  int
	firstStored bool

	fragIndex uint32

	// fileKey identifies the stored content of a completed file for
	// deduplication; only set on end-of-file markers.
	fileKey digest.Digest

	// Filled in by the worker.
	out  []byte
	word uint32
}

type workHeap []*workItem

func (h workHeap) Len() int           { return len(h) }
func (h workHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h workHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x any)        { *h = append(*h, x.(*workItem)) }
func (h *workHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type fragmentEntry struct {
	start uint64
	size  uint32
}

type dedupRegion struct {
	start int64
	size  int64
}

// Stats summarizes what the data writer did.
type Stats struct {
	Files          uint64
	Blocks         uint64
	FragmentBlocks uint64
	Fragments      uint64
	DedupFiles     uint64
	DedupFragments uint64
	BytesRead      uint64
	BytesWritten   uint64
}

// DataWriter turns regular file contents into compressed data blocks
// and packed fragments. Compression runs on a pool of workers; a
// single writer task restores submission order before anything touches
// the image, so the on-disk layout is deterministic regardless of the
// job count.
type DataWriter struct {
	out       *Output
	cmp       compression.Compressor
	blockSize uint32

	numJobs int
	queue   chan *workItem
	done    chan *workItem
	tokens  chan struct{}
	eg      *errgroup.Group
	ctx     context.Context

	seq uint64

	// Fragment packing state, owned by the producer.
	fragBuf   []byte
	fragIndex uint32
	fragDedup map[digest.Digest]fstree.FragmentRef

	// Writer task state.
	curFile   *fstree.FileInfo
	curStart  int64
	fileDedup map[digest.Digest]dedupRegion

	mu        sync.Mutex
	err       error
	fragments []fragmentEntry
	stats     Stats

	synced bool
}

// NewDataWriter creates a data writer emitting blocks to out. Workers
// are not running until Start is called.
func NewDataWriter(out *Output, cmp compression.Compressor, blockSize uint32, numJobs, maxBacklog int) *DataWriter {
	if numJobs < 1 {
		numJobs = 1
	}
	if maxBacklog < 1 {
		maxBacklog = 10 * numJobs
	}
	return &DataWriter{
		out:       out,
		cmp:       cmp,
		blockSize: blockSize,
		numJobs:   numJobs,
		queue:     make(chan *workItem, maxBacklog),
		done:      make(chan *workItem, maxBacklog),
		tokens:    make(chan struct{}, maxBacklog),
		fragDedup: map[digest.Digest]fstree.FragmentRef{},
		fileDedup: map[digest.Digest]dedupRegion{},
	}
}

// Start launches the compression workers and the writer task.
func (d *DataWriter) Start(ctx context.Context) {
	eg, ctx := errgroup.WithContext(ctx)
	d.eg = eg
	d.ctx = ctx

	var workers sync.WaitGroup
	for i := 0; i < d.numJobs; i++ {
		workers.Add(1)
		eg.Go(func() error {
			defer workers.Done()
			return d.latch(d.worker(ctx))
		})
	}
	go func() {
		workers.Wait()
		close(d.done)
	}()
	eg.Go(func() error {
		return d.latch(d.writerTask())
	})
}

func (d *DataWriter) latch(err error) error {
	if err != nil {
		d.mu.Lock()
		if d.err == nil {
			d.err = err
		}
		d.mu.Unlock()
	}
	return err
}

// LastError reports the first error any pipeline task hit.
func (d *DataWriter) LastError() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	if d.ctx != nil && d.ctx.Err() != nil {
		return d.ctx.Err()
	}
	return nil
}

func (d *DataWriter) worker(ctx context.Context) error {
	for item := range d.queue {
		if item.kind != kindEndOfFile {
			out, err := d.cmp.Compress(item.data)
			if err != nil {
				return err
			}
			if out == nil {
				item.out = item.data
				item.word = uint32(len(item.data)) | blockUncompressedFlag
			} else {
				item.out = out
				item.word = uint32(len(out))
			}
		}
		select {
		case d.done <- item:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// writerTask is the single goroutine allowed to append to the data
// region. Completed work items come back in arbitrary order; a heap
// keyed by sequence number restores the submission order.
func (d *DataWriter) writerTask() error {
	var pending workHeap
	var next uint64

	for item := range d.done {
		heap.Push(&pending, item)
		for pending.Len() > 0 && pending[0].seq == next {
			it := heap.Pop(&pending).(*workItem)
			if err := d.emit(it); err != nil {
				return err
			}
			next++
			<-d.tokens
		}
	}
	if pending.Len() > 0 && d.ctx.Err() == nil {
		return fmt.Errorf("writer stopped with %d unordered blocks pending: %w",
			pending.Len(), errdefs.ErrInternal)
	}
	return nil
}

func (d *DataWriter) emit(item *workItem) error {
	switch item.kind {
	case kindBlock:
		off := d.out.Size()
		if item.file != d.curFile {
			d.curFile = item.file
			d.curStart = off
		}
		if _, err := d.out.Append(item.out); err != nil {
			return err
		}
		if item.firstStored {
			item.file.StartBlock = uint64(off)
		}
		item.file.BlockSizes[item.blockIndex] = item.word

		d.mu.Lock()
		d.stats.Blocks++
		d.stats.BytesWritten += uint64(len(item.out))
		d.mu.Unlock()

	case kindFragmentBlock:
		off, err := d.out.Append(item.out)
		if err != nil {
			return err
		}
		d.curFile = nil

		d.mu.Lock()
		d.fragments[item.fragIndex] = fragmentEntry{start: uint64(off), size: item.word}
		d.stats.FragmentBlocks++
		d.stats.BytesWritten += uint64(len(item.out))
		d.mu.Unlock()

	case kindEndOfFile:
		return d.finishFile(item)
	}
	return nil
}

// finishFile runs whole-file deduplication once every stored block of
// a file has hit the disk. When an identical stored region exists, the
// freshly written bytes are rolled back with a truncate and the file
// points at the older copy.
func (d *DataWriter) finishFile(item *workItem) error {
	if item.file != d.curFile {
		return fmt.Errorf("end-of-file marker for a file with no written blocks: %w", errdefs.ErrInternal)
	}
	size := d.out.Size() - d.curStart
	start := d.curStart
	d.curFile = nil

	if old, ok := d.fileDedup[item.fileKey]; ok && old.size == size {
		equal, err := d.regionsEqual(old.start, start, size)
		if err != nil {
			return err
		}
		if equal {
			item.file.StartBlock = uint64(old.start)
			if err := d.out.Truncate(start); err != nil {
				return err
			}
			d.mu.Lock()
			d.stats.DedupFiles++
			d.stats.BytesWritten -= uint64(size)
			d.mu.Unlock()
			return nil
		}
	}
	d.fileDedup[item.fileKey] = dedupRegion{start: start, size: size}
	return nil
}

func (d *DataWriter) regionsEqual(a, b, size int64) (bool, error) {
	const chunk = 64 * 1024
	bufA := make([]byte, chunk)
	bufB := make([]byte, chunk)
	for off := int64(0); off < size; off += chunk {
		n := size - off
		if n > chunk {
			n = chunk
		}
		if err := d.out.ReadAt(bufA[:n], a+off); err != nil {
			return false, err
		}
		if err := d.out.ReadAt(bufB[:n], b+off); err != nil {
			return false, err
		}
		if !bytes.Equal(bufA[:n], bufB[:n]) {
			return false, nil
		}
	}
	return true, nil
}

func isZeroChunk(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}

func (d *DataWriter) submit(item *workItem) error {
	item.seq = d.seq
	d.seq++
	select {
	case d.tokens <- struct{}{}:
	case <-d.ctx.Done():
		return d.LastError()
	}
	select {
	case d.queue <- item:
	case <-d.ctx.Done():
		return d.LastError()
	}
	return nil
}

// WriteFile consumes the logical byte stream of one regular file:
// full blocks go through the compression pool, an all-zero block
// becomes a hole entry and a short tail is packed into the fragment
// buffer. Block descriptors on fi are filled in asynchronously and are
// valid once Sync returned.
func (d *DataWriter) WriteFile(fi *fstree.FileInfo, r io.Reader) error {
	if err := d.LastError(); err != nil {
		return err
	}

	numBlocks := int(fi.Size / int64(d.blockSize))
	tail := int(fi.Size % int64(d.blockSize))
	fi.BlockSizes = make([]uint32, numBlocks)

	digester := digest.SHA256.Digester()
	stored := false

	block := make([]byte, d.blockSize)
	for i := 0; i < numBlocks; i++ {
		if _, err := io.ReadFull(r, block); err != nil {
			return fmt.Errorf("reading file contents: %w", err)
		}
		d.mu.Lock()
		d.stats.BytesRead += uint64(d.blockSize)
		d.mu.Unlock()

		if isZeroChunk(block) {
			fi.BlockSizes[i] = 0
			continue
		}

		digester.Hash().Write([]byte(digest.FromBytes(block)))
		item := &workItem{
			kind:        kindBlock,
			data:        append([]byte(nil), block...),
			file:        fi,
			blockIndex:  i,
			firstStored: !stored,
		}
		stored = true
		if err := d.submit(item); err != nil {
			return err
		}
	}

	if stored {
		end := &workItem{kind: kindEndOfFile, file: fi, fileKey: digester.Digest()}
		if err := d.submit(end); err != nil {
			return err
		}
	}

	if tail > 0 {
		buf := make([]byte, tail)
		if _, err := io.ReadFull(r, buf); err != nil {
			return fmt.Errorf("reading file tail: %w", err)
		}
		d.mu.Lock()
		d.stats.BytesRead += uint64(tail)
		d.mu.Unlock()
		if err := d.addFragment(fi, buf); err != nil {
			return err
		}
	}

	d.mu.Lock()
	d.stats.Files++
	d.mu.Unlock()
	return nil
}

// addFragment places a file tail into the fragment buffer, flushing
// the buffer as a fragment block first when the tail does not fit.
// Identical tails across files collapse to a single fragment.
func (d *DataWriter) addFragment(fi *fstree.FileInfo, tail []byte) error {
	key := digest.FromBytes(tail)
	if ref, ok := d.fragDedup[key]; ok {
		fi.Fragment = ref
		d.mu.Lock()
		d.stats.DedupFragments++
		d.mu.Unlock()
		return nil
	}

	if len(d.fragBuf)+len(tail) > int(d.blockSize) {
		if err := d.flushFragments(); err != nil {
			return err
		}
	}

	ref := fstree.FragmentRef{
		Index:  d.fragIndex,
		Offset: uint32(len(d.fragBuf)),
		Size:   uint32(len(tail)),
	}
	d.fragBuf = append(d.fragBuf, tail...)
	d.fragDedup[key] = ref
	fi.Fragment = ref

	d.mu.Lock()
	d.stats.Fragments++
	d.mu.Unlock()
	return nil
}

func (d *DataWriter) flushFragments() error {
	if len(d.fragBuf) == 0 {
		return nil
	}
	d.mu.Lock()
	d.fragments = append(d.fragments, fragmentEntry{})
	d.mu.Unlock()

	item := &workItem{
		kind:      kindFragmentBlock,
		data:      append([]byte(nil), d.fragBuf...),
		fragIndex: d.fragIndex,
	}
	d.fragIndex++
	d.fragBuf = d.fragBuf[:0]
	return d.submit(item)
}

// Sync flushes the partial fragment buffer, waits until every inflight
// block has been written and shuts the pool down. Block descriptors
// and the fragment table are final afterwards.
func (d *DataWriter) Sync() error {
	if d.synced {
		return d.LastError()
	}
	flushErr := d.flushFragments()
	close(d.queue)
	waitErr := d.eg.Wait()
	d.synced = true
	if waitErr != nil {
		return waitErr
	}
	return flushErr
}

// WriteFragmentTable stores the fragment descriptors collected during
// packing. Without fragments, the table is omitted and the no-fragments
// flag set.
func (d *DataWriter) WriteFragmentTable(super *Superblock) error {
	if !d.synced {
		return fmt.Errorf("fragment table requested before sync: %w", errdefs.ErrInternal)
	}
	if len(d.fragments) == 0 {
		super.Flags |= FlagNoFragments
		return nil
	}
	payload := make([]byte, 16*len(d.fragments))
	for i, frag := range d.fragments {
		writeFragmentEntry(payload[i*16:], frag)
	}
	start, err := writeTable(d.out, d.cmp, payload)
	if err != nil {
		return err
	}
	super.FragmentTableStart = start
	super.FragmentCount = uint32(len(d.fragments))
	return nil
}

func writeFragmentEntry(buf []byte, e fragmentEntry) {
	binary.LittleEndian.PutUint64(buf[0:8], e.start)
	binary.LittleEndian.PutUint32(buf[8:12], e.size)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
}

// Stats returns a snapshot of the writer statistics.
func (d *DataWriter) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
