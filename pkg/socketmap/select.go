package socketmap

// SelectBest picks the highest-priority available mapper from candidates,
// unless preferred names one that is itself available.
func SelectBest(candidates []Mapper, preferred string) (Mapper, bool) {
	if preferred != "" {
		for _, m := range candidates {
			if m.Name() == preferred && m.Available() {
				return m, true
			}
		}
	}

	var best Mapper
	for _, m := range candidates {
		if !m.Available() {
			continue
		}
		if best == nil || m.Priority() > best.Priority() {
			best = m
		}
	}
	return best, best != nil
}
