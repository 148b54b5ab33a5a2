package signal

type pong struct {
	Pong bool `json:"pong"`
}

func (ctl *SignalWSController) handlePing() (pong, error) {
	return pong{Pong: true}, nil
}
