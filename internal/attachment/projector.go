package attachment

const (
	IconDownload = "download"
	IconPause    = "pause"
	IconResume   = "resume"

	// PlaceholderBlurRadius keeps partially downloaded thumbnails from
	// rendering sharp stale pixels.
	PlaceholderBlurRadius = 12.0

	PlaceholderImage = "placeholder_image"
	PlaceholderMap   = "placeholder_map"
)

// RenderState is the observer-facing projection of a task. It is derived on
// every mutation and never stored as a source of truth.
type RenderState struct {
	TargetID               string  `json:"target_id"`
	State                  string  `json:"state"`
	Progress               float64 `json:"progress"`
	ShowDownloadAffordance bool    `json:"show_download_affordance"`
	IconState              string  `json:"icon_state"`
	BlurRadius             float64 `json:"blur_radius"`
	PreloadImage           string  `json:"preload_image,omitempty"`
	Error                  string  `json:"error,omitempty"`
}

// Project maps a task snapshot to its RenderState. It is pure.
func Project(s Snapshot) RenderState {
	rs := RenderState{
		TargetID:               s.Target.ID,
		State:                  s.State.String(),
		Progress:               s.ProgressPercent / 100,
		ShowDownloadAffordance: s.State != StateCompleted,
		IconState:              iconFor(s.State, s.Target.Kind),
		BlurRadius:             PlaceholderBlurRadius,
	}

	if s.State == StateCompleted {
		rs.BlurRadius = 0

		return rs
	}

	rs.PreloadImage = placeholderFor(s.Target.Kind)

	if s.State == StateError && s.Err != nil {
		rs.Error = s.Err.Error()
	}

	return rs
}

// CachedRenderState is what observers see for a target served straight from
// the disk cache.
func CachedRenderState(target Target) RenderState {
	return Project(Snapshot{Target: target, State: StateCompleted, ProgressPercent: 100})
}

func iconFor(state State, kind Kind) string {
	switch state {
	case StateCompleted:
		return contentIcon(kind)
	case StateDownloading:
		return IconPause
	case StatePaused:
		return IconResume
	default:
		return IconDownload
	}
}

func contentIcon(kind Kind) string {
	switch kind {
	case KindImage:
		return "photo"
	case KindVideo:
		return "play"
	case KindVoice:
		return "waveform"
	case KindMapSnapshot:
		return "map"
	default:
		return "doc"
	}
}

func placeholderFor(kind Kind) string {
	switch kind {
	case KindImage:
		return PlaceholderImage
	case KindMapSnapshot:
		return PlaceholderMap
	default:
		return ""
	}
}
