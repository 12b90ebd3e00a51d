package modempool

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SendRequest is one SMS bound for the pool.
type SendRequest struct {
	To      string
	Body    string
	Service string
	// IMEI of the originating device, used for modem affinity.
	IMEI string
}

// Pool routes SMS over the fleet of hardware modems. Selection honors
// device affinity first, then the store's routing order; each modem
// carries a weighted semaphore sized to its max_concurrent_sms so a
// slow modem backs pressure up instead of being flooded.
type Pool struct {
	store   *Store
	logger  *zap.Logger
	timeout time.Duration

	mu   sync.Mutex
	sems map[int64]*modemSlot

	// OnExhausted fires when no modem could take a message (metrics).
	OnExhausted func()
}

type modemSlot struct {
	sem  *semaphore.Weighted
	size int64
}

func NewPool(store *Store, timeout time.Duration, logger *zap.Logger) *Pool {
	return &Pool{
		store:   store,
		logger:  logger,
		timeout: timeout,
		sems:    make(map[int64]*modemSlot),
	}
}

func (p *Pool) slot(m *Modem) *semaphore.Weighted {
	size := int64(m.MaxConcurrentSMS)
	if size < 1 {
		size = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[m.ID]
	if !ok || s.size != size {
		s = &modemSlot{sem: semaphore.NewWeighted(size), size: size}
		p.sems[m.ID] = s
	}
	return s.sem
}

// Send picks a modem and hands the message off. Quota is consumed
// before the hand-off; a failed hand-off does not refund it, matching
// how SIM billing counts submission attempts.
func (p *Pool) Send(ctx context.Context, req *SendRequest) (*Receipt, error) {
	if req.To == "" {
		return nil, ErrInvalidNumber
	}

	modems, err := p.store.ListEligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("modem selection: %w", err)
	}

	candidates := p.order(modems, req)
	if len(candidates) == 0 {
		if p.OnExhausted != nil {
			p.OnExhausted()
		}
		return nil, ErrAllModemsExhausted
	}

	var lastErr error
	for _, m := range candidates {
		sem := p.slot(m)
		if !sem.TryAcquire(1) {
			// At capacity; try the next modem rather than queueing.
			lastErr = fmt.Errorf("modem %s at capacity", m.Name)
			continue
		}

		ok, err := p.store.IncrementUsage(ctx, m.ID)
		if err != nil {
			sem.Release(1)
			return nil, err
		}
		if !ok {
			sem.Release(1)
			lastErr = fmt.Errorf("modem %s quota exhausted", m.Name)
			continue
		}

		receipt, err := p.submit(ctx, m, req)
		sem.Release(1)
		if err != nil {
			p.logger.Warn("modem hand-off failed",
				zap.String("modem", m.Name), zap.Error(err))
			lastErr = err
			continue
		}
		return receipt, nil
	}

	if p.OnExhausted != nil {
		p.OnExhausted()
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllModemsExhausted, lastErr)
	}
	return nil, ErrAllModemsExhausted
}

// order filters by service and puts modems dedicated to the device's
// imei ahead of the shared fleet. A device with a dedicated modem never
// falls back to shared modems while its modem is eligible.
func (p *Pool) order(modems []*Modem, req *SendRequest) []*Modem {
	var dedicated, shared []*Modem
	for _, m := range modems {
		if !m.AllowsService(req.Service) {
			continue
		}
		if req.IMEI != "" && m.DedicatedTo(req.IMEI) {
			dedicated = append(dedicated, m)
		} else if len(m.DedicatedIMEIs) == 0 {
			shared = append(shared, m)
		}
	}
	if len(dedicated) > 0 {
		return dedicated
	}
	return shared
}

func (p *Pool) submit(ctx context.Context, m *Modem, req *SendRequest) (*Receipt, error) {
	payload, err := json.Marshal(map[string]string{
		"to":   req.To,
		"body": req.Body,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s://%s:%d/sms/send", scheme(m), m.Host, m.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(m.User, m.Pass)

	resp, err := p.client(m).Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("modem %s: %w", m.Name, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(string(body)), "number"):
		return nil, fmt.Errorf("%w: %s", ErrInvalidNumber, bytes.TrimSpace(body))
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("modem %s returned %d: %s", m.Name, resp.StatusCode, bytes.TrimSpace(body))
	}

	var out struct {
		MessageID string `json:"message_id"`
	}
	_ = json.Unmarshal(body, &out)

	return &Receipt{
		ModemID:   m.ID,
		ModemName: m.Name,
		MessageID: out.MessageID,
		Response:  string(body),
	}, nil
}

func scheme(m *Modem) string {
	if m.CertFingerprint != "" {
		return "https"
	}
	return "http"
}

// client builds a per-call HTTP client. Modems with a pinned cert get a
// verifier that matches the leaf certificate's sha256 instead of the
// system roots, since modem firmware ships self-signed certs.
func (p *Pool) client(m *Modem) *http.Client {
	c := &http.Client{Timeout: p.timeout}
	if m.CertFingerprint == "" {
		return c
	}
	want := strings.ToLower(m.CertFingerprint)
	c.Transport = &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				if len(rawCerts) == 0 {
					return fmt.Errorf("modem presented no certificate")
				}
				sum := sha256.Sum256(rawCerts[0])
				if hex.EncodeToString(sum[:]) != want {
					return fmt.Errorf("modem certificate fingerprint mismatch")
				}
				return nil
			},
		},
	}
	return c
}

// Healthy reports whether at least one modem is currently eligible.
func (p *Pool) Healthy(ctx context.Context) bool {
	modems, err := p.store.ListEligible(ctx)
	return err == nil && len(modems) > 0
}

// Probe checks one modem's status endpoint.
func (p *Pool) Probe(ctx context.Context, m *Modem) error {
	url := fmt.Sprintf("%s://%s:%d/status", scheme(m), m.Host, m.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(m.User, m.Pass)

	resp, err := p.client(m).Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("modem %s status returned %d", m.Name, resp.StatusCode)
	}
	return nil
}
