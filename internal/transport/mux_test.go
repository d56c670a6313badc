package transport

import (
	"context"
	"errors"
	"testing"

	"confessbot/internal/faults"
	"confessbot/internal/storage"
)

type recordSender struct{ got []string }

func (r *recordSender) Send(_ context.Context, d storage.Destination, text string) error {
	r.got = append(r.got, d.ChannelID+"|"+text)
	return nil
}

func TestMuxRoutesByPlatform(t *testing.T) {
	t.Parallel()

	tg, dc := &recordSender{}, &recordSender{}
	m := NewMux()
	m.Register(PlatformTelegram, tg)
	m.Register(PlatformDiscord, dc)

	ctx := context.Background()
	if err := m.Send(ctx, storage.Destination{Platform: PlatformDiscord, ChannelID: "c1"}, "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(dc.got) != 1 || dc.got[0] != "c1|hi" || len(tg.got) != 0 {
		t.Fatalf("routed wrong: tg=%v dc=%v", tg.got, dc.got)
	}

	m.Unregister(PlatformDiscord)
	err := m.Send(ctx, storage.Destination{Platform: PlatformDiscord, ChannelID: "c1"}, "hi")
	if !errors.Is(err, ErrNoTransport) || faults.Classify(err) != faults.ClassTransient {
		t.Fatalf("missing platform err=%v class=%v", err, faults.Classify(err))
	}
}
