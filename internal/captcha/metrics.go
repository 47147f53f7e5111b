package captcha

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	challengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "icon_captcha",
		Name:      "challenges_issued_total",
		Help:      "Challenges generated",
	})

	// Labels: outcome (correct, incorrect, rejected)
	selectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "icon_captcha",
		Name:      "selections_total",
		Help:      "Icon clicks recorded by outcome",
	}, []string{"outcome"})

	// Labels: result (accepted or the error kind)
	validationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "icon_captcha",
		Name:      "validations_total",
		Help:      "Final submissions by result",
	}, []string{"result"})

	// Labels: result (served, denied, none)
	iconFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "icon_captcha",
		Name:      "icon_fetches_total",
		Help:      "Icon image requests by result",
	}, []string{"result"})
)
