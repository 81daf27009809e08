package display

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
)

const barWidth = 30

// Render writes the view as coloured terminal bars.
func Render(w io.Writer, v View) error {
	bold := color.New(color.Bold)
	if _, err := bold.Fprintln(w, "Environmental impact"); err != nil {
		return err
	}

	for _, g := range []GaugeView{v.Water, v.CO2} {
		if err := renderGauge(w, g); err != nil {
			return err
		}
	}

	s := v.Summary
	_, err := fmt.Fprintf(w, "\n  Tokens      %d\n  Water       %.4f L (~%d bottles)\n  CO2         %.2f g (~%d km by car)\n",
		s.Tokens, s.WaterUsageLiters, s.WaterBottles, s.CO2Grams, s.CarKm)
	if err != nil {
		return err
	}

	if s.NearCapacity {
		_, err = color.New(color.FgYellow).Fprintln(w, "\n  High token usage this session")
	}
	return err
}

func renderGauge(w io.Writer, g GaugeView) error {
	filled := int(g.Percent / 100 * barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)

	c := color.New(color.FgGreen)
	switch {
	case g.Percent >= 100:
		c = color.New(color.FgRed)
	case g.Percent >= 75:
		c = color.New(color.FgYellow)
	}

	if _, err := fmt.Fprintf(w, "  %-5s ", g.Name); err != nil {
		return err
	}
	if _, err := c.Fprint(w, bar); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, " %5.1f%%\n", g.Percent); err != nil {
		return err
	}
	if g.CapacityAlert {
		_, err := color.New(color.FgRed, color.Bold).Fprintf(w, "        %s capacity reached\n", g.Name)
		return err
	}
	return nil
}
