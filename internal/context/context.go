// Package context implements C3, the Context Assembler: rank/fit/render
// over retrieved chunks. Render is a pure function producing a
// three-region prompt (system instructions, context block, question),
// localized to the configured instructional language.
package context

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/openclass/nexusai-gateway/internal/domain"
)

// RankedChunk pairs a Chunk with its similarity score and whether it
// matched the active subject filter.
type RankedChunk struct {
	Chunk          domain.Chunk
	Score          float32
	SubjectMatched bool
}

// Rank stable-sorts by score descending, with subject-matching chunks
// preferred when a filter was present (§4.3).
func Rank(chunks []RankedChunk) []RankedChunk {
	ranked := append([]RankedChunk(nil), chunks...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].SubjectMatched != ranked[j].SubjectMatched {
			return ranked[i].SubjectMatched
		}
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// Fit greedily selects chunks that fit within budgetTokens, stopping once
// the remaining budget drops below floorTokens or nothing else fits
// (§4.3).
func Fit(ranked []RankedChunk, budgetTokens, floorTokens int) []domain.Chunk {
	var selected []domain.Chunk
	remaining := budgetTokens

	for _, rc := range ranked {
		if remaining < floorTokens {
			break
		}
		if rc.Chunk.TokenCount > remaining {
			continue
		}
		selected = append(selected, rc.Chunk)
		remaining -= rc.Chunk.TokenCount
	}
	return selected
}

// Catalog supplies the localized system-instruction and fallback strings
// for one instructional_language (§6). A thin wrapper over per-locale
// string tables rather than golang.org/x/text/message's full plural/
// gender machinery, since this catalog only ever selects one of two
// fixed strings per locale.
type Catalog struct {
	SystemInstructions string
	FallbackMessage    string
}

var catalogs = map[string]Catalog{
	"en": {
		SystemInstructions: "Answer the student's question using only the material in the context block below. Be concise and age-appropriate.",
		FallbackMessage:    "I don't have material on this topic yet. Please ask your teacher or try a different question.",
	},
	"pt": {
		SystemInstructions: "Responda à pergunta do aluno usando apenas o material no bloco de contexto abaixo. Seja conciso e apropriado para a idade.",
		FallbackMessage:    "Ainda não tenho material sobre este assunto. Pergunte ao seu professor ou tente outra pergunta.",
	},
	"es": {
		SystemInstructions: "Responde la pregunta del estudiante usando solo el material del bloque de contexto a continuación. Sé conciso y apropiado para la edad.",
		FallbackMessage:    "Todavía no tengo material sobre este tema. Pregúntale a tu profesor o intenta con otra pregunta.",
	},
}

// CatalogFor returns the Catalog for locale, falling back to English for
// an unconfigured locale rather than failing render (§4.3 is silent on
// unknown locales; English keeps the assembler total).
func CatalogFor(locale string) Catalog {
	if c, ok := catalogs[locale]; ok {
		return c
	}
	return catalogs["en"]
}

// Render produces the final prompt text. An empty selected set renders
// the fallback variant whose system instructions direct the model to
// emit the localized "material not available" message (§4.3 edge case).
func Render(selected []domain.Chunk, books map[string]string, question, locale string) string {
	cat := CatalogFor(locale)

	if len(selected) == 0 {
		var b strings.Builder
		b.WriteString(cat.SystemInstructions)
		b.WriteString("\n\n")
		b.WriteString("No material is available for this question. Reply with exactly: ")
		b.WriteString(cat.FallbackMessage)
		b.WriteString("\n\nQuestion: ")
		b.WriteString(question)
		return b.String()
	}

	var ctxBlock strings.Builder
	for _, c := range selected {
		title := books[c.BookID]
		if title == "" {
			title = c.BookID
		}
		fmt.Fprintf(&ctxBlock, "[source: %s, %d]\n%s\n\n", title, c.Ordinal, c.Text)
	}

	var rendered bytes.Buffer
	if err := goldmark.Convert(ctxBlock.Bytes(), &rendered); err != nil {
		rendered.WriteString(ctxBlock.String())
	}

	var b strings.Builder
	b.WriteString(cat.SystemInstructions)
	b.WriteString("\n\n--- CONTEXT ---\n")
	b.WriteString(rendered.String())
	b.WriteString("--- QUESTION ---\n")
	b.WriteString(question)
	return b.String()
}

// IsFallback reports whether selected would trigger the fallback prompt
// branch, used by the orchestrator to compute confidence (§4.6: fallback
// forces confidence 0.0).
func IsFallback(selected []domain.Chunk) bool {
	return len(selected) == 0
}
