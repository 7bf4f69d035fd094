package worker

import (
	"context"
	"errors"

	"github.com/hupe1980/bnc/internal/proto"
	"github.com/hupe1980/bnc/message"
	"github.com/hupe1980/bnc/problem"
)

func (w *Worker) handleGenerator(ctx context.Context, msg message.Message) error {
	var req proto.GeneratorRequest
	if err := proto.Unmarshal(msg.Tag, msg.Payload, &req); err != nil {
		return err
	}
	objects := make(map[int32]problem.Object, len(req.Objects))
	for _, d := range req.Objects {
		objects[d.Index] = d.Object
	}
	f, err := w.formulation(req.State, func(idx int32) (problem.Object, bool) {
		obj, ok := objects[idx]
		return obj, ok
	})
	if err != nil {
		return err
	}

	reply := &proto.GeneratorReply{Seq: req.Seq}
	replyTag := message.TagCutReply
	if msg.Tag == message.TagPriceRequest {
		replyTag = message.TagPriceReply
		reply.Objects, err = w.cfg.Problem.GenerateColumns(f, req.Values)
	} else {
		reply.Objects, err = w.cfg.Problem.GenerateCuts(f, req.Values)
	}
	switch {
	case errors.Is(err, problem.ErrNotSupported):
		reply.Objects = nil
	case err != nil:
		w.logger.Warn("generation failed", "tag", msg.Tag, "from", msg.Sender, "error", err)
		reply.Objects, reply.Failed = nil, err.Error()
	}
	return w.send(ctx, msg.Sender, replyTag, reply)
}
