package memory

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// tokenEncoding lazily initializes the cl100k_base encoder with the
// offline BPE loader so no network fetch happens at startup.
func tokenEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Leave encoding nil; CountTokens falls back to the
			// bytes/4 heuristic.
			return
		}
		encoding = enc
	})
	return encoding
}

// CountTokens returns the token count of text under cl100k_base. The
// count steers the context budget; exactness matters less than being
// consistent, so encoder failure degrades to the bytes/4 heuristic.
func CountTokens(text string) int {
	if enc := tokenEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}
