package stats

import (
	"fmt"
	"strconv"

	"fovpipe/internal/volume"
)

// ChannelFeatures holds every feature family for one channel of one FOV.
type ChannelFeatures struct {
	Channel          int       `json:"channel"`
	MeanByZ          []float64 `json:"mean_by_z"`
	StdByZ           []float64 `json:"std_by_z"`
	PercentileLevels []float64 `json:"percentile_levels"`
	Percentiles      []float64 `json:"percentiles"`
	ZProfile         []float64 `json:"z_intensity_profile"`
}

// Features is the single-row feature record of one FOV.
type Features struct {
	Channels []ChannelFeatures `json:"channels"`
}

// Depth returns the z depth recorded for channel 0, or 0 when empty.
func (f Features) Depth() int {
	if len(f.Channels) == 0 {
		return 0
	}
	return len(f.Channels[0].MeanByZ)
}

// Clone returns a deep copy.
func (f Features) Clone() Features {
	out := Features{Channels: make([]ChannelFeatures, len(f.Channels))}
	for i, ch := range f.Channels {
		out.Channels[i] = ChannelFeatures{
			Channel:          ch.Channel,
			MeanByZ:          append([]float64(nil), ch.MeanByZ...),
			StdByZ:           append([]float64(nil), ch.StdByZ...),
			PercentileLevels: append([]float64(nil), ch.PercentileLevels...),
			Percentiles:      append([]float64(nil), ch.Percentiles...),
			ZProfile:         append([]float64(nil), ch.ZProfile...),
		}
	}
	return out
}

// Options tunes Compute. The zero value uses DefaultPercentiles.
type Options struct {
	Percentiles []float64
}

// Compute runs all three feature families for every channel of v.
func Compute(v *volume.Volume, opts Options) (Features, error) {
	profiles, err := ZIntensityProfile(v)
	if err != nil {
		return Features{}, err
	}
	levels := opts.Percentiles
	if levels == nil {
		levels = DefaultPercentiles()
	}

	out := Features{Channels: make([]ChannelFeatures, len(profiles))}
	for c := range profiles {
		mean, std, err := ZIntensityStats(v, c)
		if err != nil {
			return Features{}, fmt.Errorf("channel %d: %w", c, err)
		}
		pct, err := Percentiles(v, c, levels)
		if err != nil {
			return Features{}, fmt.Errorf("channel %d: %w", c, err)
		}
		out.Channels[c] = ChannelFeatures{
			Channel:          c,
			MeanByZ:          mean,
			StdByZ:           std,
			PercentileLevels: append([]float64(nil), levels...),
			Percentiles:      pct,
			ZProfile:         profiles[c],
		}
	}
	return out, nil
}

// Column names shared by every table writer.

func MeanColumn(c int) string { return fmt.Sprintf("Ch%d_mean_by_z", c) }

func StdColumn(c int) string { return fmt.Sprintf("Ch%d_std_by_z", c) }

func PercentileColumn(c int, p float64) string {
	return fmt.Sprintf("Ch%d_Percentile%s", c, strconv.FormatFloat(p, 'f', -1, 64))
}

func ProfileColumn(c int) string { return fmt.Sprintf("z_intensity_profile_Ch%d", c) }
