package signal

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"council-trader/internal/config"
	"council-trader/internal/telemetry"
)

// poller fetches the full score snapshot on a fixed cadence. A failed poll
// is a warning and nothing more; the engine reacts to staleness separately
// through LastUpdateMS.
type poller struct {
	client *resty.Client
	every  time.Duration
	feed   *Feed
	logger *slog.Logger
}

func newPoller(f *Feed, cfg config.SignalConfig, logger *slog.Logger) *poller {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &poller{
		client: client,
		every:  config.Seconds(cfg.PollSeconds),
		feed:   f,
		logger: logger.With("component", "signal_poll"),
	}
}

// snapshot is the GET /snapshot body: {e, t, m:[[sym,score],…]}. Unknown
// fields are ignored.
type snapshot struct {
	Epoch *int64      `json:"e"`
	TsMS  *int64      `json:"t"`
	Pairs []scorePair `json:"m"`
}

// run polls immediately, then on every tick until ctx is cancelled.
func (p *poller) run(ctx context.Context) {
	p.poll(ctx)

	ticker := time.NewTicker(p.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *poller) poll(ctx context.Context) {
	var body snapshot
	resp, err := p.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/snapshot")
	if err != nil {
		telemetry.IncSnapshotPoll("error")
		p.logger.Warn("snapshot poll failed", "error", err)
		return
	}
	if resp.StatusCode() != 200 {
		telemetry.IncSnapshotPoll("error")
		p.logger.Warn("snapshot poll failed", "status", resp.StatusCode())
		return
	}

	telemetry.IncSnapshotPoll("ok")
	p.feed.applyUpdate(body.Pairs, body.Epoch, body.TsMS, true)
	if !p.feed.PushOK() {
		p.logger.Info("snapshot applied", "symbols", len(body.Pairs), "epoch", p.feed.Epoch())
	}
}
