package room

import (
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

// apply validates msg against the current state and, only if it is
// accepted, mutates, persists and broadcasts. A rejected message leaves the
// state untouched.
func (c *Coordinator) apply(cmd command) error {
	msg := cmd.msg

	if cmd.sub == nil {
		if msg.Type == protocol.TypeJoin || msg.Type == protocol.TypeLeave {
			return protocol.Errorf(protocol.CodeInvalidInput, "%s requires a connection", msg.Type)
		}
	} else if msg.Type != protocol.TypeJoin {
		att, ok := c.subs[cmd.sub.ID()]
		if !ok {
			return protocol.Errorf(protocol.CodeInvalidInput, "join first")
		}
		if att.participantID != msg.ParticipantID {
			return protocol.Errorf(protocol.CodeForbidden, "connection is joined as another participant")
		}
	}

	if protocol.Mutating(msg.Type) {
		if c.state.Finalized() {
			return protocol.Errorf(protocol.CodeRoomClosed, "order is finalized")
		}
		if _, ok := c.state.Participant(msg.ParticipantID); !ok {
			return protocol.Errorf(protocol.CodeForbidden, "not a participant of this room")
		}
	}

	payload, err := msg.Payload()
	if err != nil {
		return err
	}

	switch msg.Type {
	case protocol.TypeJoin:
		return c.join(cmd.sub, msg)
	case protocol.TypeLeave:
		c.detach(cmd.sub.ID())
		return nil
	case protocol.TypeAddItem:
		return c.addItem(msg, payload.(*protocol.AddItemData), cmd.source)
	case protocol.TypeRemoveItem:
		return c.removeItem(msg, payload.(*protocol.RemoveItemData).ItemID)
	case protocol.TypeUpdateQuantity:
		return c.updateQuantity(msg, payload.(*protocol.UpdateQuantityData))
	case protocol.TypeUpdateSplit:
		return c.updateSplit(msg, payload.(*protocol.UpdateSplitData))
	case protocol.TypeFinalize:
		return c.finalize(msg)
	}
	return protocol.Errorf(protocol.CodeInvalidInput, "unknown message type %q", msg.Type)
}

func (c *Coordinator) join(sub Subscriber, msg *protocol.ClientMessage) error {
	if att, ok := c.subs[sub.ID()]; ok && att.participantID != msg.ParticipantID {
		return protocol.Errorf(protocol.CodeForbidden, "connection is joined as another participant")
	}

	now := c.opts.Now()
	p, known := c.state.Participant(msg.ParticipantID)
	if !known {
		if c.state.Finalized() {
			return protocol.Errorf(protocol.CodeRoomClosed, "order is finalized")
		}
		c.state.Participants = append(c.state.Participants, protocol.Participant{
			ID:          msg.ParticipantID,
			DisplayName: strings.TrimSpace(msg.ParticipantName),
			Role:        protocol.RoleMember,
			JoinedAt:    now,
		})
		p = &c.state.Participants[len(c.state.Participants)-1]
	} else if name := strings.TrimSpace(msg.ParticipantName); name != "" {
		p.DisplayName = name
	}

	// A repeated join on the same connection refreshes the snapshot only.
	if _, attached := c.subs[sub.ID()]; !attached {
		c.subs[sub.ID()] = &attachment{sub: sub, participantID: p.ID}
		c.conns.Add(1)
		c.metrics.ConnectionAttached()
		p.ConnectionCount++
	}
	p.Online = true
	p.LastSeenAt = now
	joined := *p

	if !known && !c.state.Finalized() {
		c.recompute()
	}
	c.persist()

	c.logger.Info("Participant joined",
		zap.String("participant_id", joined.ID),
		zap.Int("connections", joined.ConnectionCount),
		zap.Bool("new", !known))

	frame, err := protocol.Encode(protocol.ServerMessage{
		Type:            protocol.TypeSync,
		ParticipantID:   joined.ID,
		ParticipantName: joined.DisplayName,
		RequestID:       msg.RequestID,
	}, protocol.EventData{Room: c.state, Participant: &joined})
	if err != nil {
		return err
	}
	c.deliverTo(sub, frame)

	c.broadcast(protocol.TypeParticipantJoined, msg, protocol.EventData{Participant: &joined}, sub.ID())
	return nil
}

func (c *Coordinator) addItem(msg *protocol.ClientMessage, d *protocol.AddItemData, source protocol.ItemSource) error {
	name := strings.TrimSpace(d.DishName)
	switch {
	case name == "":
		return protocol.Errorf(protocol.CodeInvalidInput, "dishName is required")
	case d.Quantity < 1:
		return protocol.Errorf(protocol.CodeInvalidInput, "quantity must be at least 1")
	case d.Quantity > protocol.MaxQuantity:
		return protocol.Errorf(protocol.CodeInvalidInput, "quantity must be at most %d", protocol.MaxQuantity)
	case d.UnitPrice < 0:
		return protocol.Errorf(protocol.CodeInvalidInput, "unitPrice must not be negative")
	case d.UnitPrice > protocol.MaxUnitPrice:
		return protocol.Errorf(protocol.CodeInvalidInput, "unitPrice must be at most %d", protocol.MaxUnitPrice)
	}
	if source == "" {
		source = protocol.SourceClient
	}

	item := protocol.Item{
		ID:            uuid.NewString(),
		DishName:      name,
		DishType:      d.DishType,
		Quantity:      d.Quantity,
		UnitPrice:     d.UnitPrice,
		Customization: d.Customization,
		AddedBy:       msg.ParticipantID,
		AddedAt:       c.opts.Now(),
		Source:        source,
	}
	c.state.Items = append(c.state.Items, item)
	c.recompute()
	c.persist()
	c.broadcast(protocol.TypeItemAdded, msg, protocol.EventData{Item: &item}, "")
	return nil
}

// editableItem finds itemID and checks that the sender may change it:
// whoever added it, or the room owner.
func (c *Coordinator) editableItem(participantID, itemID string) (int, error) {
	idx := c.state.ItemIndex(itemID)
	if idx < 0 {
		return -1, protocol.Errorf(protocol.CodeNotFound, "item %s not found", itemID)
	}
	if c.state.Items[idx].AddedBy != participantID && c.state.OwnerID != participantID {
		return -1, protocol.Errorf(protocol.CodeForbidden, "only the person who added an item or the organizer can change it")
	}
	return idx, nil
}

func (c *Coordinator) removeItem(msg *protocol.ClientMessage, itemID string) error {
	idx, err := c.editableItem(msg.ParticipantID, itemID)
	if err != nil {
		return err
	}
	c.dropItem(msg, idx)
	return nil
}

func (c *Coordinator) dropItem(msg *protocol.ClientMessage, idx int) {
	removed := c.state.Items[idx]
	c.state.Items = append(c.state.Items[:idx], c.state.Items[idx+1:]...)
	c.recompute()
	c.persist()
	c.broadcast(protocol.TypeItemRemoved, msg, protocol.EventData{Item: &removed, ItemID: removed.ID}, "")
}

func (c *Coordinator) updateQuantity(msg *protocol.ClientMessage, d *protocol.UpdateQuantityData) error {
	idx, err := c.editableItem(msg.ParticipantID, d.ItemID)
	if err != nil {
		return err
	}
	if d.Quantity <= 0 {
		c.dropItem(msg, idx)
		return nil
	}
	if d.Quantity > protocol.MaxQuantity {
		return protocol.Errorf(protocol.CodeInvalidInput, "quantity must be at most %d", protocol.MaxQuantity)
	}

	c.state.Items[idx].Quantity = d.Quantity
	item := c.state.Items[idx]
	c.recompute()
	c.persist()
	c.broadcast(protocol.TypeQuantityUpdated, msg, protocol.EventData{Item: &item, ItemID: item.ID}, "")
	return nil
}

func (c *Coordinator) updateSplit(msg *protocol.ClientMessage, d *protocol.UpdateSplitData) error {
	if msg.ParticipantID != c.state.OwnerID {
		return protocol.Errorf(protocol.CodeForbidden, "only the organizer can change the split")
	}
	if !d.SplitType.Valid() {
		return protocol.Errorf(protocol.CodeInvalidInput, "unknown split type %q", d.SplitType)
	}
	// Custom amounts are kept as sent; the breakdown flags them and finalize
	// refuses an invalid split.
	c.state.SplitType = d.SplitType
	if d.SplitType == protocol.SplitCustom {
		amounts := make(map[string]int64, len(d.CustomAmounts))
		for id, amount := range d.CustomAmounts {
			amounts[id] = amount
		}
		c.state.CustomSplitAmounts = amounts
	} else {
		c.state.CustomSplitAmounts = nil
	}
	c.recompute()
	c.persist()
	c.broadcast(protocol.TypeSplitUpdated, msg, protocol.EventData{}, "")
	return nil
}

func (c *Coordinator) finalize(msg *protocol.ClientMessage) error {
	if msg.ParticipantID != c.state.OwnerID {
		return protocol.Errorf(protocol.CodeForbidden, "only the organizer can finalize the order")
	}
	c.recompute()
	if c.state.SplitType == protocol.SplitCustom && !c.state.Split.CustomSplitValid {
		return protocol.Errorf(protocol.CodeSplitInvalid,
			"custom amounts must cover every participant and add up to %d", c.state.Total)
	}

	now := c.opts.Now()
	c.state.Status = protocol.StatusFinalized
	c.state.FinalizedAt = &now
	c.persist()

	c.logger.Info("Order finalized",
		zap.Int64("total", c.state.Total),
		zap.String("split_type", string(c.state.SplitType)))
	c.broadcast(protocol.TypeOrderFinalized, msg, protocol.EventData{}, "")
	return nil
}
