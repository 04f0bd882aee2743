package acquisition

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseSamples decodes an ASCII sample reply such as "{0.1,0.2,-0.3}".
// Framing braces or brackets, line terminators and empty fields are ignored.
func ParseSamples(reply string) ([]float64, error) {
	body := strings.TrimSpace(reply)
	body = strings.TrimLeft(body, "{[")
	body = strings.TrimRight(body, "}]")

	fields := strings.Split(body, ",")
	samples := make([]float64, 0, len(fields))
	for i, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: field %d %q is not numeric", ErrMalformedReply, i, truncate(f, 16))
		}
		samples = append(samples, v)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples in reply", ErrMalformedReply)
	}
	return samples, nil
}

// ReadChannel fetches and decodes the sample buffer of one channel
func ReadChannel(ctx context.Context, link *Link, ch int) ([]float64, error) {
	raw, err := fetchChannel(ctx, link, ch)
	if err != nil {
		return nil, err
	}
	samples, err := ParseSamples(raw)
	if err != nil {
		return nil, fmt.Errorf("channel %d: %w", ch, err)
	}
	return samples, nil
}

func fetchChannel(ctx context.Context, link *Link, ch int) (string, error) {
	raw, err := link.Query(ctx, fmt.Sprintf("ACQ:SOUR%d:DATA?", ch))
	if err != nil {
		return "", fmt.Errorf("read channel %d: %w", ch, err)
	}
	return raw, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
