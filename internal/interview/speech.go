package interview

import (
	"math"
	"strings"
	"unicode"
)

var fillerWords = map[string]struct{}{
	"um":        {},
	"umm":       {},
	"uh":        {},
	"uhh":       {},
	"er":        {},
	"hmm":       {},
	"like":      {},
	"actually":  {},
	"basically": {},
	"literally": {},
}

// AnalyzeSpeech computes word count, filler rate (percent of tokens) and,
// when durationSec is positive, words per minute.
func AnalyzeSpeech(text string, durationSec float64) SpeechMetrics {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return SpeechMetrics{}
	}
	m := SpeechMetrics{
		WordCount:  len(tokens),
		FillerRate: FillerRate(tokens),
	}
	m.WPM = WordsPerMinute(len(tokens), durationSec)
	return m
}

// WordsPerMinute returns words spoken per minute, or 0 without a duration.
func WordsPerMinute(words int, durationSec float64) float64 {
	if words <= 0 || durationSec <= 0 {
		return 0
	}
	return round2(float64(words) / (durationSec / 60))
}

// FillerRate returns the percentage of tokens found in the filler vocabulary,
// rounded to two decimals.
func FillerRate(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	fillers := 0
	for _, tok := range tokens {
		if _, ok := fillerWords[normalizeToken(tok)]; ok {
			fillers++
		}
	}
	return round2(float64(fillers) / float64(len(tokens)) * 100)
}

// AggregateSpeech merges metrics across all transcripts of an interview.
func AggregateSpeech(texts []string) SpeechMetrics {
	var all []string
	for _, t := range texts {
		all = append(all, strings.Fields(t)...)
	}
	if len(all) == 0 {
		return SpeechMetrics{}
	}
	return SpeechMetrics{WordCount: len(all), FillerRate: FillerRate(all)}
}

func normalizeToken(tok string) string {
	return strings.ToLower(strings.TrimRightFunc(tok, func(r rune) bool {
		return unicode.IsPunct(r)
	}))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
