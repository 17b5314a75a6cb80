package tessitura

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
)

// GetTTY initializes the terminal for the readout
func GetTTY() (tcell.Screen, error) {
	defStyle := tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorReset)

	s, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("new screen: %w", err)
	}
	if err := s.Init(); err != nil {
		return nil, fmt.Errorf("init screen: %w", err)
	}
	s.SetStyle(defStyle)
	s.Clear()

	return s, nil
}
