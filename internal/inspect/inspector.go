package inspect

import (
	"context"
	"log/slog"
	"strings"

	"github.com/nao1215/onionfetch/internal/geo"
	"github.com/nao1215/onionfetch/internal/model"
)

// AggregateMarker marks a hop descriptor that stands for several entries or
// for a relay that could not be resolved.
const AggregateMarker = ">"

// Publisher delivers events to the view. *notify.Channel implements it.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// Inspector resolves relay locations for a circuit path.
type Inspector struct {
	locator geo.Locator
	logger  *slog.Logger
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(i *Inspector) {
		i.logger = logger
	}
}

// New creates an Inspector using the given locator.
func New(locator geo.Locator, opts ...Option) *Inspector {
	i := &Inspector{locator: locator}
	for _, opt := range opts {
		opt(i)
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	return i
}

// Enrich returns one record per address-shaped token across all hops, plus
// one sentinel per aggregate hop, in hop order and then token order.
func (i *Inspector) Enrich(ctx context.Context, hops []model.HopDescriptor) []model.RelayGeoRecord {
	records := make([]model.RelayGeoRecord, 0, len(hops))

	for idx, hop := range hops {
		desc := hop.String()

		if strings.Contains(desc, AggregateMarker) {
			i.logger.Debug("aggregate hop, skipping lookup", "hop", idx)
			records = append(records, model.SentinelRecord)
			continue
		}

		for _, addr := range CandidateAddresses(desc) {
			records = append(records, i.lookupOrSentinel(ctx, idx, addr))
		}
	}

	return records
}

// Inspect enriches the path and publishes the full list as one
// CircuitInformation event. The only error it returns is a publish failure.
func (i *Inspector) Inspect(ctx context.Context, hops []model.HopDescriptor, pub Publisher) ([]model.RelayGeoRecord, error) {
	records := i.Enrich(ctx, hops)

	if err := pub.Publish(ctx, model.CircuitInformation{Records: records}); err != nil {
		return records, err
	}
	return records, nil
}

// lookupOrSentinel resolves addr, substituting the sentinel on any failure.
func (i *Inspector) lookupOrSentinel(ctx context.Context, hop int, addr string) model.RelayGeoRecord {
	loc, err := i.locator.Lookup(ctx, addr)
	if err != nil {
		i.logger.Debug("relay lookup failed",
			"hop", hop,
			"address", addr,
			"kind", model.KindGeoLookup,
			"error", err,
		)
		return model.SentinelRecord
	}

	return model.RelayGeoRecord{
		IPAddress: loc.IP,
		City:      loc.City,
		Country:   loc.Country,
	}
}

// CandidateAddresses returns the bare addresses of the address-shaped tokens
// of a hop descriptor, in order. A token is address-shaped when it contains a
// dot; see BareAddress for how the token is reduced to an address.
func CandidateAddresses(desc string) []string {
	var addrs []string
	for _, token := range strings.Fields(desc) {
		if !strings.Contains(token, ".") {
			continue
		}
		addrs = append(addrs, BareAddress(token))
	}
	return addrs
}

// BareAddress strips a leading bracket and a trailing ":port" from a token.
// The closing bracket of a "[addr]:port" token goes with the port.
func BareAddress(token string) string {
	token = strings.TrimPrefix(token, "[")
	if idx := strings.IndexByte(token, ':'); idx != -1 {
		token = token[:idx]
	}
	return strings.TrimSuffix(token, "]")
}
