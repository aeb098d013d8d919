package mcp

// ResolvedCount returns how many resolved request IDs the correlator still remembers.
func (c *Correlator) ResolvedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.resolved)
}
