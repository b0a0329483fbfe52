// Package metrics exposes Prometheus counters for the transaction dispatch
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DispatchesTotal counts dispatches by terminal outcome
	// (confirmed, failed, timeout)
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitwallet_dispatches_total",
		Help: "Transaction dispatches by terminal outcome",
	}, []string{"outcome"})

	// SponsorshipDeclinesTotal counts sponsor refusals that triggered the
	// fee-token fallback
	SponsorshipDeclinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitwallet_sponsorship_declines_total",
		Help: "Sponsored submissions declined by the paymaster",
	})

	// FeeTokenFallbacksTotal counts successful fee-token submissions
	FeeTokenFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitwallet_fee_token_fallbacks_total",
		Help: "Dispatches confirmed via ERC-20 fee payment",
	})

	// DeploymentsTotal counts server-initiated account deployments by result
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splitwallet_deployments_total",
		Help: "Server-initiated account deployments by result",
	}, []string{"result"})

	// WalletsDerivedTotal counts newly derived wallet records
	WalletsDerivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splitwallet_wallets_derived_total",
		Help: "Newly derived wallet records",
	})
)

// Handler returns the /metrics endpoint handler
func Handler() http.Handler {
	return promhttp.Handler()
}
