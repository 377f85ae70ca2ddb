package message

import (
	"context"
	"strings"

	"pushclient/internal/eventbus"
	kit "pushclient/internal/transport"
	logx "pushclient/pkg/logx"
)

// Control actions accepted in SYSTEM frames.
const (
	ActionReconnect = "reconnect"
	ActionLogout    = "logout"
)

// Builtins are the handlers the push service installs on its processor.
type Builtins struct {
	Bus       eventbus.Bus
	Language  kit.LanguageProvider
	Localizer *Localizer
	Log       logx.Logger
}

// Register installs every built-in handler and returns one function that
// removes them all.
func (b Builtins) Register(p *Processor) (unregister func()) {
	if b.Log.IsZero() {
		b.Log = logx.Nop()
	}
	if b.Localizer == nil {
		b.Localizer = NewLocalizer(nil, nil, nil)
	}
	offs := []func(){
		p.Register(kit.FrameNotification, HandlerFunc(b.notification)),
		p.Register(kit.FrameAck, HandlerFunc(b.serverAck)),
		p.Register(kit.FrameHeartbeat, HandlerFunc(b.heartbeat)),
		p.Register(kit.FrameSystem, HandlerFunc(b.system)),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func (b Builtins) notification(ctx context.Context, m Message) error {
	n, ok := m.Body.(Notification)
	if !ok {
		return nil
	}
	url := n.URL
	if b.Language != nil {
		url = b.Localizer.Localize(url, b.Language.Language())
	}
	if b.Bus != nil {
		b.Bus.Publish(eventbus.NotificationIntentReady{Intent: kit.NotificationIntent{
			MessageID: n.MessageID,
			Title:     n.Title,
			Body:      n.Body,
			URL:       url,
			Priority:  m.Priority,
		}})
	}
	return nil
}

func (b Builtins) serverAck(ctx context.Context, m Message) error {
	a, ok := m.Body.(ServerAck)
	if !ok {
		return nil
	}
	if b.Bus != nil {
		b.Bus.Publish(eventbus.ServerAck{MessageID: a.MessageID, Status: a.Status})
	}
	return nil
}

func (b Builtins) heartbeat(ctx context.Context, m Message) error {
	if hb, ok := m.Body.(Heartbeat); ok {
		b.Log.Debug("server heartbeat", logx.Uint64("sequence", hb.Sequence))
	}
	return nil
}

func (b Builtins) system(ctx context.Context, m Message) error {
	s, ok := m.Body.(System)
	if !ok {
		return nil
	}
	action := strings.ToLower(s.Action)
	switch action {
	case ActionReconnect, ActionLogout:
		b.Log.Info("server control request", logx.String("action", action))
		if b.Bus != nil {
			b.Bus.Publish(eventbus.ControlRequested{Action: action, Data: s.Params})
		}
	default:
		b.Log.Info("system message", logx.String("action", s.Action))
	}
	return nil
}
