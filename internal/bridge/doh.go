package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"

	"github.com/ooni/whisper/internal/model"
)

// ErrDOH is the generic error returned by DNS-over-HTTPS exchanges.
var ErrDOH = errors.New("bridge: doh failed")

// dnsMessageType is the DNS-over-HTTPS media type.
const dnsMessageType = "application/dns-message"

// maxDNSMessage bounds the size of a DNS-over-HTTPS response body.
const maxDNSMessage = 65535

// dohClient forwards DNS queries to a DNS-over-HTTPS resolver. Connections
// to the resolver are wisp streams.
type dohClient struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func newDOHClient(url string, dialer model.Dialer, timeout time.Duration) *dohClient {
	return &dohClient{
		url: url,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				ForceAttemptHTTP2:   true,
				MaxIdleConns:        4,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: timeout,
			},
		},
		timeout: timeout,
	}
}

// exchange sends the wire-format query and returns the wire-format reply,
// carrying the query ID.
func (dc *dohClient) exchange(ctx context.Context, query []byte) ([]byte, error) {
	msg := &dns.Msg{}
	if err := msg.Unpack(query); err != nil {
		return nil, fmt.Errorf("%w: bad query: %s", ErrDOH, err)
	}
	id := msg.Id
	msg.Id = 0
	wire, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDOH, err)
	}

	ctx, cancel := context.WithTimeout(ctx, dc.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dc.url, bytes.NewReader(wire))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDOH, err)
	}
	req.Header.Set("Content-Type", dnsMessageType)
	req.Header.Set("Accept", dnsMessageType)

	resp, err := dc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDOH, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrDOH, dc.url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDNSMessage))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDOH, err)
	}

	reply := &dns.Msg{}
	if err := reply.Unpack(body); err != nil {
		return nil, fmt.Errorf("%w: bad reply: %s", ErrDOH, err)
	}
	reply.Id = id
	return reply.Pack()
}
