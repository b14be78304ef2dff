package embedding

import "strings"

// Chunking targets roughly 512 tokens per chunk at ~4 characters per token,
// with about 12% overlap so a sentence split across a boundary is still
// findable from either side.
const (
	chunkTargetChars  = 2048
	chunkOverlapChars = 256
	chunkMinTailChars = 64
)

// ChunkText splits extracted text into overlapping chunks, preferring to cut
// at sentence boundaries and falling back to word boundaries. Whitespace-only
// input yields no chunks.
func ChunkText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= chunkTargetChars {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + chunkTargetChars
		if end >= len(text) {
			tail := strings.TrimSpace(text[start:])
			if len(tail) >= chunkMinTailChars || len(chunks) == 0 {
				chunks = append(chunks, tail)
			} else if len(tail) > 0 {
				// Fold a tiny tail into the previous chunk instead of
				// emitting a fragment too short to embed usefully.
				chunks[len(chunks)-1] = chunks[len(chunks)-1] + " " + tail
			}
			break
		}

		cut := findCut(text, start, end)
		chunk := strings.TrimSpace(text[start:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		next := cut - chunkOverlapChars
		if next <= start {
			next = cut
		}
		start = next
	}
	return chunks
}

// findCut looks backwards from the target end for a sentence boundary, then a
// word boundary, within the last quarter of the window. A window with neither
// is cut hard at the target.
func findCut(text string, start, end int) int {
	windowStart := end - chunkTargetChars/4
	if windowStart < start {
		windowStart = start
	}

	for i := end; i > windowStart; i-- {
		c := text[i-1]
		if (c == '.' || c == '!' || c == '?' || c == '\n') && (i == len(text) || text[i] == ' ' || text[i] == '\n') {
			return i
		}
	}
	for i := end; i > windowStart; i-- {
		if text[i-1] == ' ' {
			return i
		}
	}
	return end
}
