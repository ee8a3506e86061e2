// Package knowledge implements knowledge-base ingestion and retrieval for agents:
// file validation and text extraction, token-bounded overlapping chunks,
// embedding, vector storage and similarity search.
package knowledge

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// runesPerToken is the heuristic used for every token estimate in the pipeline.
const runesPerToken = 4

var ErrInvalidOptions = errors.New("invalid chunk options")

type Options struct {
	MaxTokens     int
	OverlapTokens int
}

func DefaultOptions() Options {
	return Options{MaxTokens: 512, OverlapTokens: 64}
}

func (o Options) Validate() error {
	if o.MaxTokens <= 0 {
		return fmt.Errorf("%w: max tokens must be positive", ErrInvalidOptions)
	}
	if o.OverlapTokens < 0 {
		return fmt.Errorf("%w: overlap must not be negative", ErrInvalidOptions)
	}
	if o.OverlapTokens >= o.MaxTokens {
		return fmt.Errorf("%w: overlap (%d) must be smaller than max tokens (%d)", ErrInvalidOptions, o.OverlapTokens, o.MaxTokens)
	}
	return nil
}

// TextChunk is one piece of a source ready for embedding.
type TextChunk struct {
	Index    int
	Content  string
	Tokens   int
	Checksum string
}

// EstimateTokens approximates the token count as ceil(runes/4).
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + runesPerToken - 1) / runesPerToken
}

// Checksum is the hex SHA-256 of b.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type segment struct {
	text      string
	runes     int
	paragraph bool // first segment of a paragraph
}

// Chunk splits text into chunks of at most opts.MaxTokens estimated tokens.
// Each chunk after the first starts with up to opts.OverlapTokens of the
// previous chunk's trailing words.
func Chunk(text string, opts Options) ([]TextChunk, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	maxRunes := opts.MaxTokens * runesPerToken
	overlapRunes := opts.OverlapTokens * runesPerToken

	segments := segmentText(text, maxRunes)
	if len(segments) == 0 {
		return nil, nil
	}

	var (
		chunks []TextChunk
		cur    strings.Builder
		curLen int
		fresh  bool
	)
	emit := func() {
		content := cur.String()
		chunks = append(chunks, TextChunk{
			Index:    len(chunks),
			Content:  content,
			Tokens:   EstimateTokens(content),
			Checksum: Checksum([]byte(content)),
		})
	}

	for _, seg := range segments {
		sep := " "
		if seg.paragraph {
			sep = "\n\n"
		}
		if curLen > 0 && curLen+len(sep)+seg.runes > maxRunes {
			if fresh {
				emit()
			}
			overlap := tailWords(cur.String(), overlapRunes, maxRunes-seg.runes-1)
			cur.Reset()
			cur.WriteString(overlap)
			curLen = utf8.RuneCountInString(overlap)
			fresh = false
			sep = " "
		}
		if curLen > 0 {
			cur.WriteString(sep)
			curLen += len(sep)
		}
		cur.WriteString(seg.text)
		curLen += seg.runes
		fresh = true
	}
	if fresh {
		emit()
	}
	return chunks, nil
}

// segmentText normalises whitespace and breaks text into paragraphs, then
// sentences, words and finally rune runs until every piece fits maxRunes.
func segmentText(text string, maxRunes int) []segment {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var out []segment
	for _, para := range splitParagraphs(text) {
		first := true
		add := func(s string) {
			out = append(out, segment{text: s, runes: utf8.RuneCountInString(s), paragraph: first && len(out) > 0})
			first = false
		}
		if utf8.RuneCountInString(para) <= maxRunes {
			add(para)
			continue
		}
		for _, sentence := range splitSentences(para) {
			if utf8.RuneCountInString(sentence) <= maxRunes {
				add(sentence)
				continue
			}
			for _, word := range strings.Fields(sentence) {
				if utf8.RuneCountInString(word) <= maxRunes {
					add(word)
					continue
				}
				for _, run := range splitRunes(word, maxRunes) {
					add(run)
				}
			}
		}
	}
	return out
}

func splitParagraphs(text string) []string {
	var (
		paragraphs []string
		lines      []string
	)
	flush := func() {
		if len(lines) > 0 {
			paragraphs = append(paragraphs, strings.Join(lines, " "))
			lines = lines[:0]
		}
	}
	for _, line := range strings.Split(text, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			flush()
			continue
		}
		lines = append(lines, strings.Join(fields, " "))
	}
	flush()
	return paragraphs
}

func splitSentences(paragraph string) []string {
	var (
		sentences []string
		current   []string
	)
	for _, word := range strings.Fields(paragraph) {
		current = append(current, word)
		if endsSentence(word) {
			sentences = append(sentences, strings.Join(current, " "))
			current = current[:0]
		}
	}
	if len(current) > 0 {
		sentences = append(sentences, strings.Join(current, " "))
	}
	return sentences
}

func endsSentence(word string) bool {
	word = strings.TrimRight(word, `"')]»”`)
	if word == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(word)
	return r == '.' || r == '!' || r == '?' || r == '…'
}

func splitRunes(word string, size int) []string {
	runes := []rune(word)
	parts := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		parts = append(parts, string(runes[start:end]))
	}
	return parts
}

// tailWords returns the longest run of trailing words of text whose length
// is at most min(overlapRunes, limit).
func tailWords(text string, overlapRunes, limit int) string {
	if limit < overlapRunes {
		overlapRunes = limit
	}
	if overlapRunes <= 0 {
		return ""
	}
	words := strings.Fields(text)
	total := 0
	start := len(words)
	for i := len(words) - 1; i >= 0; i-- {
		n := utf8.RuneCountInString(words[i])
		if start < len(words) {
			n++
		}
		if total+n > overlapRunes {
			break
		}
		total += n
		start = i
	}
	return strings.Join(words[start:], " ")
}
