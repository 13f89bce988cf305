package eth

import "net/http"

// limitedDoer wraps an httpDoer with a Limiter so every attempt, retries
// included, spends one token.
type limitedDoer struct {
	hc httpDoer
	l  Limiter
}

func wrapWithLimiter(hc httpDoer, l Limiter) httpDoer {
	if l == nil {
		return hc
	}
	return limitedDoer{hc: hc, l: l}
}

func (d limitedDoer) Do(req *http.Request) (*http.Response, error) {
	if err := d.l.Wait(req.Context()); err != nil {
		return nil, err
	}
	return d.hc.Do(req)
}
