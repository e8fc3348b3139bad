// Package collyprobe implements probe.Prober against CampusNet using gocolly.
package collyprobe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/exam-id-scanner/internal/probe"
)

const (
	// DefaultBaseURL is the CampusNet dispatcher script.
	DefaultBaseURL = "https://www.tucan.tu-darmstadt.de/scripts/mgrqispi.dll"

	loginFormMarker  = "cn_loginForm"
	gradeTableMarker = " Noten"
	sessionCookie    = "cnsc"
)

// Config controls collector behavior.
type Config struct {
	BaseURL       string
	SessionID     uint64
	SessionCookie string
	UserAgent     string
	Timeout       time.Duration
}

// Prober checks exam ids by loading their grade overview page.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Prober.
func New(cfg Config) (*Prober, error) {
	if strings.TrimSpace(cfg.SessionCookie) == "" {
		return nil, errors.New("session cookie is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	c := colly.NewCollector(colly.Async(false))
	// the same id is requested again on every retry
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	return &Prober{
		cfg:           cfg,
		baseCollector: c,
	}, nil
}

// URL returns the grade overview address for id.
func (p *Prober) URL(id int64) string {
	return fmt.Sprintf(
		"%s?APPNAME=CampusNet&PRGNAME=GRADEOVERVIEW&ARGUMENTS=-N%d,-N000316,-AEXEV,-N%d",
		p.cfg.BaseURL, p.cfg.SessionID, id,
	)
}

// Probe executes a single GET and reports whether the exam exists.
func (p *Prober) Probe(ctx context.Context, id int64) (bool, error) {
	var (
		body     []byte
		status   int
		fetchErr error
	)
	collector := p.baseCollector.Clone()
	p.configureCollectorHooks(collector, &body, &status, &fetchErr)

	if err := p.runCollector(ctx, collector, p.URL(id), &fetchErr); err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		return false, &probe.TransientError{ID: id, StatusCode: status, Err: err}
	}

	if bytes.Contains(body, []byte(loginFormMarker)) {
		return false, fmt.Errorf("probe %d: %w", id, probe.ErrSession)
	}
	return bytes.Contains(body, []byte(gradeTableMarker)), nil
}

func (p *Prober) configureCollectorHooks(
	hooks collectorHooks,
	body *[]byte,
	status *int,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Cookie", fmt.Sprintf("%s=%s", sessionCookie, p.cfg.SessionCookie))
	})

	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			*status = r.StatusCode
		}
		*fetchErr = err
	})
}

func (p *Prober) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
