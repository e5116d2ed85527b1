// Package transform implements the offline pass between capture and
// replay: sorting a capture file by start_time, extracting transactions,
// sorting those by GTID, and building the indexes replay needs.
package transform

import (
    "container/heap"
    "encoding/gob"
    "os"
    "sort"

    "github.com/mariadb-labs/dbproxy/internal/wcar/capture"
    "github.com/mariadb-labs/dbproxy/pkg/errors"
)

const defaultChunkSize = 4096

// SortByStartTime sorts events by (start_time_ns, event_id) using an
// external mergesort: events are split into bounded in-memory chunks,
// each chunk sorted and flushed to a temp file, then merged back with a
// k-way merge over a min-heap. The input and the merged output are both
// whole in-memory slices, and each spilled chunk is decoded in full for the
// merge, so peak memory grows with the capture size, not with chunkSize.
func SortByStartTime(events []capture.QueryEvent, chunkSize int) ([]capture.QueryEvent, error) {
    if chunkSize <= 0 {
        chunkSize = defaultChunkSize
    }
    if len(events) <= chunkSize {
        out := append([]capture.QueryEvent(nil), events...)
        sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
        return out, nil
    }

    var chunkFiles []*os.File
    defer func() {
        for _, f := range chunkFiles {
            f.Close()
            os.Remove(f.Name())
        }
    }()

    for start := 0; start < len(events); start += chunkSize {
        end := start + chunkSize
        if end > len(events) {
            end = len(events)
        }
        chunk := append([]capture.QueryEvent(nil), events[start:end]...)
        sort.Slice(chunk, func(i, j int) bool { return less(chunk[i], chunk[j]) })

        f, err := os.CreateTemp("", "wcar-sort-chunk-*")
        if err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "creating sort chunk file")
        }
        if err := gob.NewEncoder(f).Encode(chunk); err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "encoding sort chunk")
        }
        if _, err := f.Seek(0, 0); err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "rewinding sort chunk file")
        }
        chunkFiles = append(chunkFiles, f)
    }

    return mergeChunks(chunkFiles)
}

func less(a, b capture.QueryEvent) bool {
    if a.StartTimeNS != b.StartTimeNS {
        return a.StartTimeNS < b.StartTimeNS
    }
    return a.EventID < b.EventID
}

// heapItem is one chunk's current head event plus the chunk's remaining
// decoded tail, so the heap never needs random access back into the file.
type heapItem struct {
    event capture.QueryEvent
    rest  []capture.QueryEvent
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return less(h[i].event, h[j].event) }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() interface{} {
    old := *h
    n := len(old)
    item := old[n-1]
    *h = old[:n-1]
    return item
}

func mergeChunks(files []*os.File) ([]capture.QueryEvent, error) {
    h := &mergeHeap{}
    heap.Init(h)

    for _, f := range files {
        var chunk []capture.QueryEvent
        if err := gob.NewDecoder(f).Decode(&chunk); err != nil {
            return nil, errors.Wrap(err, errors.ErrCaptureReplayIO, "decoding sort chunk")
        }
        if len(chunk) == 0 {
            continue
        }
        heap.Push(h, &heapItem{event: chunk[0], rest: chunk[1:]})
    }

    var merged []capture.QueryEvent
    for h.Len() > 0 {
        item := heap.Pop(h).(*heapItem)
        merged = append(merged, item.event)
        if len(item.rest) > 0 {
            heap.Push(h, &heapItem{event: item.rest[0], rest: item.rest[1:]})
        }
    }
    return merged, nil
}
