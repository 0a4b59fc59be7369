package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint set to a 1-hour TTL. The paper context is sent this way once
// and every later stage and arm reads it back at the cache-hit rate.
func BuildCachedSystemBlocks(texts ...string) []SystemBlock {
	blocks := make([]SystemBlock, len(texts))
	for i, t := range texts {
		blocks[i] = SystemBlock{Text: t}
	}
	if len(blocks) > 0 {
		blocks[len(blocks)-1].CacheControl = &CacheControl{TTL: "1h"}
	}
	return blocks
}
