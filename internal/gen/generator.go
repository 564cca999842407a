// Package gen produces a synthetic transaction stream for demos and soak
// testing: mostly normal traffic with a configurable fraction of injected
// fraud patterns.
package gen

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/sawpanic/fraudrun/internal/bus"
	"github.com/sawpanic/fraudrun/internal/domain"
)

// Options configure the generator.
type Options struct {
	Topic     string
	Rate      float64 // transactions per second
	FraudRate float64 // fraction of events drawn from fraud patterns
	Seed      int64
}

// DefaultOptions matches the demo producer defaults.
func DefaultOptions() Options {
	return Options{
		Topic:     "transactions",
		Rate:      10,
		FraudRate: 0.15,
		Seed:      time.Now().UnixNano(),
	}
}

// Generator emits synthetic transactions onto the bus.
type Generator struct {
	opts Options
	rng  *rand.Rand

	users      []string
	merchants  []string
	categories []string
	locations  []string
	ips        []string
	devices    []string
	types      []domain.TransactionType
}

// New creates a generator with a fixed entity population so per-user history
// accumulates realistically.
func New(opts Options) *Generator {
	rng := rand.New(rand.NewSource(opts.Seed))
	g := &Generator{
		opts:       opts,
		rng:        rng,
		categories: []string{"grocery", "electronics", "travel", "dining", "fuel", "retail"},
		locations:  []string{"New York", "London", "Berlin", "Tokyo", "Sydney", "Toronto"},
		types: []domain.TransactionType{
			domain.TypePayment, domain.TypeTransfer, domain.TypeWithdrawal,
			domain.TypeDeposit, domain.TypeRefund,
		},
	}
	for i := 0; i < 50; i++ {
		g.users = append(g.users, fmt.Sprintf("user_%03d", i))
	}
	for i := 0; i < 20; i++ {
		g.merchants = append(g.merchants, fmt.Sprintf("merchant_%03d", i))
	}
	for i := 0; i < 30; i++ {
		g.ips = append(g.ips, fmt.Sprintf("192.168.1.%d", 10+i))
		g.devices = append(g.devices, fmt.Sprintf("device_%03d", i))
	}
	return g
}

// Run publishes transactions at the configured rate until ctx is cancelled.
func (g *Generator) Run(ctx context.Context, b bus.Bus) error {
	limiter := rate.NewLimiter(rate.Limit(g.opts.Rate), 1)
	published := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			log.Info().Int("published", published).Msg("generator stopped")
			return nil
		}
		tx := g.Next()
		payload, err := json.Marshal(tx)
		if err != nil {
			return fmt.Errorf("marshal transaction: %w", err)
		}
		if err := b.Publish(ctx, g.opts.Topic, payload); err != nil {
			log.Error().Err(err).Msg("publish transaction failed")
			continue
		}
		published++
	}
}

// Next draws a single transaction from the configured mix.
func (g *Generator) Next() domain.Transaction {
	if g.rng.Float64() < g.opts.FraudRate {
		return g.fraudulent()
	}
	return g.normal()
}

func (g *Generator) normal() domain.Transaction {
	tx := g.base()
	tx.Amount = round2(5 + g.rng.Float64()*495)
	return tx
}

// fraudulent draws one of the injected attack patterns.
func (g *Generator) fraudulent() domain.Transaction {
	switch g.rng.Intn(5) {
	case 0: // high amount
		tx := g.base()
		tx.Amount = round2(1000 + g.rng.Float64()*4000)
		return tx
	case 1: // velocity burst member
		tx := g.base()
		tx.Amount = round2(50 + g.rng.Float64()*150)
		tx.Timestamp = domain.NewTimestamp(time.Now().UTC())
		return tx
	case 2: // unfamiliar IP
		tx := g.base()
		tx.Amount = round2(200 + g.rng.Float64()*600)
		tx.IPAddress = fmt.Sprintf("203.0.113.%d", g.rng.Intn(255))
		return tx
	case 3: // small-hours activity
		tx := g.base()
		now := time.Now().UTC()
		tx.Timestamp = domain.NewTimestamp(time.Date(
			now.Year(), now.Month(), now.Day(),
			2+g.rng.Intn(3), g.rng.Intn(60), g.rng.Intn(60), 0, time.UTC))
		tx.Amount = round2(300 + g.rng.Float64()*500)
		return tx
	default: // account takeover: new device, high amount
		tx := g.base()
		tx.Amount = round2(500 + g.rng.Float64()*1500)
		tx.DeviceID = "device_unknown_" + uuid.New().String()[:8]
		return tx
	}
}

func (g *Generator) base() domain.Transaction {
	return domain.Transaction{
		TransactionID:    uuid.New().String(),
		UserID:           g.users[g.rng.Intn(len(g.users))],
		Currency:         "USD",
		TransactionType:  g.types[g.rng.Intn(len(g.types))],
		MerchantID:       g.merchants[g.rng.Intn(len(g.merchants))],
		MerchantCategory: g.categories[g.rng.Intn(len(g.categories))],
		Location:         g.locations[g.rng.Intn(len(g.locations))],
		IPAddress:        g.ips[g.rng.Intn(len(g.ips))],
		DeviceID:         g.devices[g.rng.Intn(len(g.devices))],
		Timestamp:        domain.NewTimestamp(time.Now().UTC()),
	}
}

func round2(v float64) float64 {
	return float64(int(v*100)) / 100
}
