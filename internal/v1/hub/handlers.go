package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/parlorhq/parlor/internal/v1/logging"
	"github.com/parlorhq/parlor/internal/v1/metrics"
	"github.com/parlorhq/parlor/internal/v1/protocol"
	"github.com/parlorhq/parlor/internal/v1/types"
)

// handleFrame services one inbound frame. A panic in a handler is contained
// to the frame: the sender gets a SERVER_ERROR and the connection lives on.
func (h *Hub) handleFrame(client *Client, data []byte) {
	ctx := logging.WithUserID(context.Background(), string(client.ID))
	start := time.Now()
	frameType := "unknown"
	status := "ok"

	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "Panic while handling frame", zap.Any("panic", r))
			client.TrySend(protocol.ErrorFrame(protocol.CodeServerError, "internal error"))
			status = "error"
		}
		metrics.WebsocketFrames.WithLabelValues(frameType, status).Inc()
		metrics.FrameProcessingDuration.WithLabelValues(frameType).Observe(time.Since(start).Seconds())
	}()

	in, err := protocol.Decode(data, h.limits)
	if err != nil {
		status = h.sendError(ctx, client, err)
		return
	}
	frameType = in.Type

	var ferr error
	switch in.Type {
	case protocol.TypeJoin:
		ferr = h.handleJoin(ctx, client, in)
	case protocol.TypeMessage:
		ferr = h.handleMessage(ctx, client, in)
	case protocol.TypeSetName:
		ferr = h.handleSetName(ctx, client, in)
	case protocol.TypeTypingStart:
		ferr = h.handleTypingStart(client, in)
	case protocol.TypeTypingStop:
		ferr = h.handleTypingStop(client, in)
	}
	if ferr != nil {
		status = h.sendError(ctx, client, ferr)
	}
}

// sendError answers a failed frame with an error frame to the sender only
// and reports the status label for the frame metrics.
func (h *Hub) sendError(ctx context.Context, client *Client, err error) string {
	var fe *protocol.FrameError
	if errors.As(err, &fe) {
		client.TrySend(protocol.ErrorFrame(fe.Code, fe.Msg))
		if fe.Code == protocol.CodeRateLimit {
			return "rate_limited"
		}
		return "rejected"
	}

	logging.Error(ctx, "Frame handling failed", zap.Error(err))
	client.TrySend(protocol.ErrorFrame(protocol.CodeServerError, "internal error"))
	return "error"
}

// handleJoin registers room membership and answers with the requested
// history page. Join, query, and reply happen inside the fan-out lock so a
// message appended concurrently lands either in the reply or in the
// broadcasts that follow it, never both and never neither.
func (h *Hub) handleJoin(ctx context.Context, client *Client, in *protocol.Inbound) error {
	roomID := types.RoomIDType(in.RoomID)

	members, changed, err := h.joinAndReplay(ctx, client, roomID, in)
	if changed {
		h.registry.Broadcast(roomID, protocol.Presence(roomID, members), "")
	}
	if err != nil {
		return fmt.Errorf("history replay for room %q: %w", roomID, err)
	}
	return nil
}

func (h *Hub) joinAndReplay(ctx context.Context, client *Client, roomID types.RoomIDType, in *protocol.Inbound) ([]types.Member, bool, error) {
	h.messageMu.Lock()
	defer h.messageMu.Unlock()

	members, changed := h.registry.Join(client.ID, roomID)
	frame, err := h.historyFrame(ctx, roomID, in)
	if err != nil {
		// Membership is already registered; the caller still announces it.
		return members, changed, err
	}
	client.TrySend(frame)
	return members, changed, nil
}

// handleMessage validates, persists, and fans out one chat message. The
// append and the broadcast share the fan-out lock, so every connection
// observes messages in persistence order.
func (h *Hub) handleMessage(ctx context.Context, client *Client, in *protocol.Inbound) error {
	roomID := types.RoomIDType(in.RoomID)
	if current, ok := h.registry.CurrentRoom(client.ID); !ok || current != roomID {
		return &protocol.FrameError{Code: protocol.CodeBadRequest, Msg: "message targets a room other than the current one"}
	}
	if !h.admission.Allow(client.ID) {
		return &protocol.FrameError{Code: protocol.CodeRateLimit, Msg: "message rate exceeded, slow down"}
	}

	name, _ := h.registry.Name(client.ID)
	mentions := h.resolveMentions(roomID, in.Text)

	h.messageMu.Lock()
	defer h.messageMu.Unlock()

	msg, err := h.store.Append(ctx, roomID, client.ID, name, in.Text)
	if err != nil {
		return fmt.Errorf("append message to room %q: %w", roomID, err)
	}
	msg.Mentions = mentions
	h.registry.Broadcast(roomID, protocol.MessageFrame(msg), "")
	return nil
}

// handleSetName updates the session display name and announces it to every
// joined room. Messages already persisted keep the name they were sent with.
func (h *Hub) handleSetName(ctx context.Context, client *Client, in *protocol.Inbound) error {
	name := types.DisplayNameType(in.Name)
	rooms, ok := h.registry.SetName(client.ID, name)
	if !ok {
		// Detached while the frame was in flight; nothing to announce.
		return nil
	}
	for _, roomID := range rooms {
		h.registry.Broadcast(roomID, protocol.Presence(roomID, h.registry.Members(roomID)), "")
	}
	logging.Info(ctx, "Display name changed", zap.String("name", string(name)))
	return nil
}

// handleTypingStart marks the sender typing and notifies the rest of the room.
func (h *Hub) handleTypingStart(client *Client, in *protocol.Inbound) error {
	roomID := types.RoomIDType(in.RoomID)
	if !h.registry.IsMember(client.ID, roomID) {
		return &protocol.FrameError{Code: protocol.CodeBadRequest, Msg: "typing in a room not joined"}
	}

	h.registry.MarkTyping(roomID, client.ID)
	name, _ := h.registry.Name(client.ID)
	h.registry.Broadcast(roomID, protocol.UserTyping(roomID, client.ID, name), client.ID)
	return nil
}

// handleTypingStop clears the typing mark and notifies the room, but only
// when a mark was actually live. A stop after expiry stays silent.
func (h *Hub) handleTypingStop(client *Client, in *protocol.Inbound) error {
	roomID := types.RoomIDType(in.RoomID)
	if !h.registry.IsMember(client.ID, roomID) {
		return &protocol.FrameError{Code: protocol.CodeBadRequest, Msg: "typing in a room not joined"}
	}

	if h.registry.ClearTyping(roomID, client.ID) {
		h.registry.Broadcast(roomID, protocol.UserTypingStop(roomID, client.ID), client.ID)
	}
	return nil
}
