package anomaly

import (
	"fmt"
	"math/rand"

	"github.com/cerberus-defense/cerberus/internal/features"
)

// The detector ships without a trained model, so it bootstraps from
// synthetic benign traffic pushed through the real feature extractor.
// Training in raw feature space (instead of random noise) keeps ordinary
// requests inside the fitted distribution, which is what makes the
// is-anomaly boundary meaningful.

var benignPaths = []string{
	"/", "/index.html", "/about", "/contact", "/docs", "/health",
	"/login", "/logout", "/favicon.ico",
	"/api/users", "/api/products", "/api/orders", "/api/cart",
	"/api/search", "/api/session", "/api/profile",
	"/static/css/main.css", "/static/js/app.js", "/images/logo.png",
}

var benignAgents = []string{
	"Mozilla/5.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:109.0) Gecko/20100101 Firefox/115.0",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15",
}

var benignWords = []string{
	"alice", "bob", "carol", "widget", "gadget", "order", "invoice",
	"summer", "report", "profile", "settings", "catalog", "update",
}

// syntheticCorpus generates n benign requests and extracts their vectors.
func syntheticCorpus(n int, rng *rand.Rand) []map[string]float64 {
	corpus := make([]map[string]float64, 0, n)
	for i := 0; i < n; i++ {
		corpus = append(corpus, features.Extract(benignRequest(rng)))
	}
	return corpus
}

func benignRequest(rng *rand.Rand) features.RequestInput {
	r := features.RequestInput{
		Method:  "GET",
		Headers: map[string]string{},
	}

	path := benignPaths[rng.Intn(len(benignPaths))]
	if rng.Float64() < 0.25 {
		path = fmt.Sprintf("%s/%d", path, rng.Intn(10000))
	}
	r.URL = path

	switch roll := rng.Float64(); {
	case roll < 0.70:
		// GET
	case roll < 0.90:
		r.Method = "POST"
		r.Body = fmt.Sprintf(`{"name": "%s", "qty": %d}`,
			benignWords[rng.Intn(len(benignWords))], rng.Intn(20))
	case roll < 0.95:
		r.Method = "PUT"
		r.Body = fmt.Sprintf(`{"status": "%s"}`, benignWords[rng.Intn(len(benignWords))])
	default:
		r.Method = "DELETE"
	}

	r.Headers["User-Agent"] = benignAgents[rng.Intn(len(benignAgents))]
	switch roll := rng.Float64(); {
	case roll < 0.5:
		r.Headers["Accept"] = "application/json"
	case roll < 0.8:
		r.Headers["Accept"] = "text/html"
	default:
		// Some clients send nothing but a user agent.
	}
	if r.Body != "" {
		r.Headers["Content-Type"] = "application/json"
	}
	if rng.Float64() < 0.5 {
		r.Headers["Cookie"] = fmt.Sprintf("session=%08x", rng.Uint32())
	}
	if rng.Float64() < 0.3 {
		r.Headers["Referer"] = "https://example.com" + benignPaths[rng.Intn(len(benignPaths))]
	}

	if rng.Float64() < 0.4 {
		r.QueryParams = map[string]string{}
		if rng.Float64() < 0.5 {
			r.QueryParams["id"] = fmt.Sprintf("%d", rng.Intn(10000))
		}
		if rng.Float64() < 0.5 {
			r.QueryParams["page"] = fmt.Sprintf("%d", rng.Intn(50))
		}
		if len(r.QueryParams) == 0 {
			r.QueryParams["q"] = benignWords[rng.Intn(len(benignWords))]
		}
	}

	return r
}
