// Package tts wraps the speech-synthesis collaborator and the sentence
// segmentation used to feed it speakable units.
package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Synthesizer turns one text unit into a stream of audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (io.ReadCloser, error)
}

// Client calls a piper-style HTTP synthesis service which streams the
// audio body back on GET.
type Client struct {
	BaseURL string
	Voice   string
	Format  string // negotiated output encoding, e.g. "wav" or "pcm_s16le"
	HTTP    *http.Client
	Timeout time.Duration
}

func New(baseURL, voice, format string) *Client {
	return &Client{
		BaseURL: baseURL,
		Voice:   voice,
		Format:  format,
	}
}

// Synthesize implements Synthesizer. The caller must Close the body.
func (c *Client) Synthesize(ctx context.Context, text string) (io.ReadCloser, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	u, err := url.Parse(c.BaseURL + "/api/text-to-speech")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("text", text)
	if c.Voice != "" {
		q.Set("voice", c.Voice)
	}
	if c.Format != "" {
		q.Set("format", c.Format)
	}
	u.RawQuery = q.Encode()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "audio/"+ifEmpty(c.Format, "wav"))

	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{}
	}

	resp, err := hc.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("tts http request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("tts http %d: %s", resp.StatusCode, string(b))
	}

	return &cancelReadCloser{rc: resp.Body, cancel: cancel}, nil
}

type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) {
	return c.rc.Read(p)
}

func (c *cancelReadCloser) Close() error {
	defer c.cancel()
	return c.rc.Close()
}

func ifEmpty(s, d string) string {
	if s == "" {
		return d
	}
	return s
}
