package script

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hirecall/interviewd/internal/interview"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Phrases are the fixed lines spoken in one language.
type Phrases struct {
	SayLanguage   string `yaml:"say_language"`
	Greeting      string `yaml:"greeting"`
	Closing       string `yaml:"closing"`
	Apology       string `yaml:"apology"`
	IntroQuestion string `yaml:"intro_question"`
}

// Catalog maps base language tags to their phrases.
type Catalog struct {
	Default   string             `yaml:"default"`
	Languages map[string]Phrases `yaml:"languages"`
}

var (
	defaultCatalog     *Catalog
	defaultCatalogErr  error
	defaultCatalogOnce sync.Once
)

// DefaultCatalog returns the embedded catalog. It panics if the embedded
// file is malformed, which the package tests guard against.
func DefaultCatalog() *Catalog {
	defaultCatalogOnce.Do(func() {
		defaultCatalog, defaultCatalogErr = ParseCatalog(catalogYAML)
	})
	if defaultCatalogErr != nil {
		panic(defaultCatalogErr)
	}
	return defaultCatalog
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if _, ok := c.Languages[c.Default]; !ok {
		return nil, fmt.Errorf("catalog default language %q has no phrases", c.Default)
	}
	for tag, p := range c.Languages {
		if p.Closing == "" || p.Apology == "" || p.IntroQuestion == "" || p.SayLanguage == "" {
			return nil, fmt.Errorf("catalog language %q is incomplete", tag)
		}
	}
	return &c, nil
}

// Phrases resolves a language tag such as "vi-VN" or "EN" to its phrases,
// falling back to the default language.
func (c *Catalog) Phrases(language string) Phrases {
	tag := strings.ToLower(strings.TrimSpace(language))
	if p, ok := c.Languages[tag]; ok {
		return p
	}
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		if p, ok := c.Languages[tag[:i]]; ok {
			return p
		}
	}
	return c.Languages[c.Default]
}

// Lines returns the spoken lines the state machine needs.
func (c *Catalog) Lines(language string) interview.Lines {
	p := c.Phrases(language)
	return interview.Lines{Greeting: p.Greeting, Closing: p.Closing, Apology: p.Apology}
}

// SayLanguage is the TTS voice language for the tag, e.g. "vi-VN".
func (c *Catalog) SayLanguage(language string) string {
	return c.Phrases(language).SayLanguage
}

// Fallback is the one-question script used when generation fails.
func (c *Catalog) Fallback(language string) []interview.Question {
	return []interview.Question{{
		ID:         1,
		Text:       c.Phrases(language).IntroQuestion,
		Type:       interview.QuestionIntroductory,
		TimeoutSec: interview.DefaultQuestionTimeout,
	}}
}
