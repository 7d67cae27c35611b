package mission

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/satlla/obc/adsb"
	"github.com/satlla/obc/dispatch"
	"github.com/satlla/obc/iox"
	"github.com/satlla/obc/power"
)

const defaultListenSeconds = 60

// ADSB powers the receiver, listens for the requested number of seconds
// (first argument, default 60), and powers it down again.
type ADSB struct {
	Power *power.Switch
	Open  func() (io.ReadCloser, error)
}

func (a *ADSB) Name() string { return "adsb" }

func (a *ADSB) Handle(ctx context.Context, m *dispatch.MissionContext) error {
	if a.Open == nil {
		return dispatch.Fail(dispatch.KindDevice, "open receiver", errors.New("no receiver configured"))
	}
	listen := time.Duration(byteOr(m, 0, defaultListenSeconds)) * time.Second

	if err := a.Power.On(ctx); err != nil {
		return dispatch.Fail(dispatch.KindDevice, "power receiver", err)
	}
	defer func() {
		// Power down even when the mission context was cancelled.
		if err := a.Power.Off(context.WithoutCancel(ctx)); err != nil {
			m.Logger.Error("receiver power off failed", map[string]any{"error": err.Error()})
		}
	}()

	port, err := a.Open()
	if err != nil {
		return dispatch.Fail(dispatch.KindDevice, "open receiver", err)
	}
	defer iox.DiscardClose(port)

	listenCtx, cancel := context.WithTimeout(ctx, listen)
	defer cancel()

	m.Logger.Info("listening for traffic", map[string]any{"seconds": listen.Seconds()})
	tracker, err := adsb.Listen(listenCtx, port, m.Dir, m.Logger)
	if err != nil {
		return dispatch.Fail(dispatch.KindDevice, "listen", err)
	}
	m.Logger.Info("traffic summary", map[string]any{
		"unique_icao": tracker.UniqueICAO(),
		"reports":     len(tracker.Vehicles()),
	})
	return nil
}
