package opensky

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"flytie/internal/state"
)

// StatesResponse is the body of /states/all.
type StatesResponse struct {
	Time   int64          `json:"time"`
	States []state.Vector `json:"states"`
}

// States fetches the current state vector of every tracked aircraft, limited to the
// configured bounding box if any. Any failure, including a 404, is an error: a run
// must never continue with an incomplete picture.
func (c *Client) States(ctx context.Context) (*StatesResponse, error) {
	params := url.Values{}
	if bb := c.cfg.BoundingBox; bb != nil {
		params.Set("lamin", formatCoord(bb.LatMin))
		params.Set("lomin", formatCoord(bb.LonMin))
		params.Set("lamax", formatCoord(bb.LatMax))
		params.Set("lomax", formatCoord(bb.LonMax))
	}

	var resp StatesResponse
	found, err := c.get(ctx, "/states/all", params, &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &APIError{Endpoint: "/states/all", StatusCode: 404}
	}

	c.logger.Info("fetched state vectors",
		"time", resp.Time,
		"vectors", len(resp.States))
	return &resp, nil
}

// FetchStates returns the raw vectors only. It satisfies the refresh pipeline's fetcher.
func (c *Client) FetchStates(ctx context.Context) ([]state.Vector, error) {
	resp, err := c.States(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch states: %w", err)
	}
	return resp.States, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
