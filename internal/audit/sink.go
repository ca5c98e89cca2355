package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/florianl/go-nflog/v2"

	"grimm.is/egret/internal/logging"
	"grimm.is/egret/internal/metrics"
	"grimm.is/egret/internal/policy"
	"grimm.is/egret/internal/ratelimit"
)

// Sink subscribes to the deny-rule NFLOG group and persists each denial.
// Writes are rate limited per direction and family; suppressed events
// surface as marker records so the database growth is bounded without
// losing the fact that a flood happened.
type Sink struct {
	store   *Store
	limiter *ratelimit.Limiter
	cfg     policy.Audit
	logger  *logging.Logger
	nf      *nflog.Nflog
}

// NewSink creates a sink writing to store with the given audit settings.
func NewSink(store *Store, cfg policy.Audit) *Sink {
	return &Sink{
		store:   store,
		limiter: ratelimit.NewLimiter(),
		cfg:     cfg,
		logger:  logging.WithComponent("audit"),
	}
}

// Run listens on the NFLOG group until ctx is cancelled. Markers are
// flushed and old records pruned once a minute.
func (s *Sink) Run(ctx context.Context) error {
	config := nflog.Config{
		Group:       uint16(s.cfg.NFLogGroup),
		Copymode:    nflog.CopyPacket,
		ReadTimeout: 10 * time.Millisecond,
	}

	nf, err := nflog.Open(&config)
	if err != nil {
		return fmt.Errorf("failed to open nflog group %d: %w", s.cfg.NFLogGroup, err)
	}
	s.nf = nf
	defer nf.Close()

	err = nf.RegisterWithErrorFunc(ctx,
		func(attrs nflog.Attribute) int {
			s.handle(attrs)
			return 0
		},
		func(err error) int {
			if ctx.Err() == nil {
				s.logger.Warn("nflog read error", "error", err)
			}
			return 0
		},
	)
	if err != nil {
		return fmt.Errorf("failed to register nflog callback: %w", err)
	}

	s.logger.Info("listening for deny events", "group", s.cfg.NFLogGroup)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.FlushMarkers()
			return nil
		case <-ticker.C:
			s.FlushMarkers()
			if n, err := s.store.Prune(); err != nil {
				s.logger.Warn("prune failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("pruned old deny records", "count", n)
			}
		}
	}
}

func (s *Sink) handle(attrs nflog.Attribute) {
	prefix := ""
	if attrs.Prefix != nil {
		prefix = *attrs.Prefix
	}
	direction, family, ok := Classify(prefix)
	if !ok {
		return
	}

	rec := Record{Direction: direction, Family: family}
	if attrs.Payload != nil {
		if info, ok := ParsePacket(*attrs.Payload); ok {
			rec.Protocol = info.Protocol
			rec.SrcIP = info.SrcIP
			rec.DstIP = info.DstIP
			rec.SrcPort = info.SrcPort
			rec.DstPort = info.DstPort
		}
	}

	s.Record(rec)
}

// Record persists one denial, subject to the write rate limit. Exposed so
// the engine can log denials it detects itself (e.g. verification).
func (s *Sink) Record(rec Record) {
	metrics.DeniedPackets.WithLabelValues(rec.Direction, rec.Family).Inc()

	key := rec.Direction + "/" + rec.Family
	if !s.limiter.AllowBurst(key, s.cfg.RatePerMinute, s.cfg.Burst, time.Minute) {
		return
	}
	if err := s.store.Write(rec); err != nil {
		s.logger.Warn("failed to write deny record", "error", err)
	}
}

// FlushMarkers writes one suppression marker per direction and family that
// accumulated denials since the last flush.
func (s *Sink) FlushMarkers() {
	for _, dir := range []string{"in", "out"} {
		for _, fam := range []string{"v4", "v6"} {
			n := s.limiter.DrainSuppressed(dir + "/" + fam)
			if n == 0 {
				continue
			}
			if err := s.store.WriteMarker(dir, fam, n); err != nil {
				s.logger.Warn("failed to write suppression marker", "error", err)
				continue
			}
			s.logger.Info("deny records suppressed", "direction", dir, "family", fam, "count", n)
		}
	}
}
