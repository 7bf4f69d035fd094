package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/bnc/blobstore"
	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/message"
)

type storageKey struct {
	kind proto.ItemKind
	key  uint32
}

// storage keeps offloaded items in a blob store, one blob per item.
type storage struct {
	store    blobstore.Store
	prefix   string
	capacity int64
	used     int64
	sizes    map[storageKey]int64
}

func (w *Worker) newStorage() *storage {
	store := w.cfg.Store
	if store == nil {
		store = blobstore.NewMemoryStore()
	}
	return &storage{
		store:    store,
		prefix:   fmt.Sprintf("%s/%d", w.runID, w.ch.Self()),
		capacity: w.params.StorageCapacityBytes,
		sizes:    make(map[storageKey]int64),
	}
}

func (s *storage) name(k storageKey) string {
	if k.kind == proto.ItemNode {
		return fmt.Sprintf("%s/nodes/%d", s.prefix, k.key)
	}
	return fmt.Sprintf("%s/objects/%d", s.prefix, k.key)
}

// purge deletes every blob under the worker's prefix, including blobs whose
// delete request never arrived.
func (s *storage) purge(ctx context.Context) (int, error) {
	names, err := s.store.List(ctx, s.prefix+"/")
	if err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, name := range names {
		g.Go(func() error {
			return s.store.Delete(gctx, name)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	s.used = 0
	clear(s.sizes)
	return len(names), nil
}

func (w *Worker) handleStorage(ctx context.Context, msg message.Message) error {
	switch msg.Tag {
	case message.TagOffloadBatch:
		var p proto.OffloadBatch
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		return w.offload(ctx, msg.Sender, &p)
	case message.TagFetchRequest:
		var p proto.FetchRequest
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		return w.fetch(ctx, msg.Sender, &p)
	case message.TagDeleteRequest:
		var p proto.DeleteRequest
		if err := proto.Unmarshal(msg.Tag, msg.Payload, &p); err != nil {
			return err
		}
		return w.remove(ctx, msg.Sender, &p)
	}
	return message.Violation("storage worker got %s", msg.Tag)
}

// offload accepts batch items in order while they fit.
func (w *Worker) offload(ctx context.Context, from message.ProcessID, p *proto.OffloadBatch) error {
	s := w.storage
	items, err := proto.DecodeItems(p.Frame)
	if err != nil {
		return message.Violation("offload batch %d: %v", p.Batch, err)
	}

	accepted := items[:0:0]
	var bytes int64
	for _, it := range items {
		size := int64(len(it.Data))
		if s.capacity > 0 && s.used+bytes+size > s.capacity {
			break
		}
		accepted = append(accepted, it)
		bytes += size
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, it := range accepted {
		g.Go(func() error {
			if err := w.cfg.Resource.AcquireWrite(gctx); err != nil {
				return err
			}
			defer w.cfg.Resource.ReleaseWrite()
			return s.store.Put(gctx, s.name(storageKey{it.Kind, it.Key}), it.Data)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("offload batch %d: %w", p.Batch, err)
	}

	ack := &proto.OffloadAck{Batch: p.Batch}
	for _, it := range accepted {
		k := storageKey{it.Kind, it.Key}
		s.used += int64(len(it.Data)) - s.sizes[k]
		s.sizes[k] = int64(len(it.Data))
		if it.Kind == proto.ItemNode {
			ack.Nodes = append(ack.Nodes, it.Key)
		} else {
			ack.Objects = append(ack.Objects, int32(it.Key))
		}
	}
	w.logger.Debug("batch stored", "batch", p.Batch, "accepted", len(accepted), "of", len(items), "used", s.used)
	return w.send(ctx, from, message.TagOffloadAck, ack)
}

func (w *Worker) fetch(ctx context.Context, from message.ProcessID, p *proto.FetchRequest) error {
	s := w.storage
	keys := make([]storageKey, 0, p.Len())
	for _, id := range p.Nodes {
		keys = append(keys, storageKey{proto.ItemNode, id})
	}
	for _, idx := range p.Objects {
		keys = append(keys, storageKey{proto.ItemObject, uint32(idx)})
	}

	items := make([]proto.Item, len(keys))
	found := make([]bool, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, k := range keys {
		g.Go(func() error {
			data, err := s.store.Get(gctx, s.name(k))
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			items[i] = proto.Item{Kind: k.kind, Key: k.key, Data: data}
			found[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch %d: %w", p.Transfer, err)
	}

	reply := &proto.FetchReply{Transfer: p.Transfer}
	present := items[:0]
	for i, k := range keys {
		switch {
		case found[i]:
			present = append(present, items[i])
		case k.kind == proto.ItemNode:
			reply.Missing.Nodes = append(reply.Missing.Nodes, k.key)
		default:
			reply.Missing.Objects = append(reply.Missing.Objects, int32(k.key))
		}
	}
	frame, err := proto.EncodeItems(present, w.codec)
	if err != nil {
		return err
	}
	reply.Frame = frame
	if n := reply.Missing.Len(); n > 0 {
		w.logger.Warn("fetch with missing items", "transfer", p.Transfer, "missing", n)
	}
	return w.send(ctx, from, message.TagFetchReply, reply)
}

func (w *Worker) remove(ctx context.Context, from message.ProcessID, p *proto.DeleteRequest) error {
	s := w.storage
	var mu sync.Mutex
	var deleted uint32
	g, gctx := errgroup.WithContext(ctx)
	del := func(k storageKey) {
		g.Go(func() error {
			if err := s.store.Delete(gctx, s.name(k)); err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if size, ok := s.sizes[k]; ok {
				s.used -= size
				delete(s.sizes, k)
				deleted++
			}
			return nil
		})
	}
	for _, id := range p.Nodes {
		del(storageKey{proto.ItemNode, id})
	}
	for _, idx := range p.Objects {
		del(storageKey{proto.ItemObject, uint32(idx)})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return w.send(ctx, from, message.TagDeleteReply, &proto.DeleteReply{Deleted: deleted})
}
