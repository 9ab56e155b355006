package sim

type Counter struct {
	Attempts  int
	Succeeded int
	Blocked   int
	Replayed  int
}

func (c *Counter) Add(envelope string, replayed bool) {
	c.Attempts++
	switch envelope {
	case "ok":
		c.Succeeded++
	case "blocked":
		c.Blocked++
	}
	if replayed {
		c.Replayed++
	}
}
