package convo

// A block is a maximal run of messages beginning with one user message and
// including all following non-user messages up to (not including) the next
// user message. Blocks are the unit of window eviction: evicting a block
// never splits an assistant tool-call message from its tool results.
type block struct {
	start int // inclusive index into the message slice
	end   int // exclusive
}

// splitBlocks partitions msgs[from:] into blocks. Messages before the first
// user message belong to no block and are never evicted.
func splitBlocks(msgs []Message, from int) []block {
	var blocks []block
	for i := from; i < len(msgs); i++ {
		if msgs[i].Role == RoleUser {
			if n := len(blocks); n > 0 {
				blocks[n-1].end = i
			}
			blocks = append(blocks, block{start: i, end: len(msgs)})
		}
	}
	return blocks
}

// trimToWindow drops the oldest whole blocks from msgs[from:] until at most
// cap blocks remain. Returns the trimmed slice. A cap < 0 disables trimming.
func trimToWindow(msgs []Message, from, cap int) []Message {
	if cap < 0 {
		return msgs
	}
	blocks := splitBlocks(msgs, from)
	if len(blocks) <= cap {
		return msgs
	}
	cut := len(msgs) // cap 0: every block goes
	if cap > 0 {
		cut = blocks[len(blocks)-cap].start
	}
	out := make([]Message, 0, from+len(msgs)-cut)
	out = append(out, msgs[:from]...)
	// Messages between the prefix and the first user turn belong to no block
	// and are never evicted.
	out = append(out, msgs[from:blocks[0].start]...)
	out = append(out, msgs[cut:]...)
	return out
}
