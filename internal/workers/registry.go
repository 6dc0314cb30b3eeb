package workers

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/hearth/internal/common"
	"github.com/ternarybob/hearth/internal/models"
)

// ReadyPatterns are the uvicorn log lines that hint a worker is about to answer health checks
var ReadyPatterns = []string{"Uvicorn running", "Application startup complete"}

var statusHealthy = models.HealthSchema{Field: "status", Accepted: []string{"healthy", "ok"}}

// DefaultDefinitions returns the compiled-in worker set. Scripts are run with
// python from scriptsDir.
func DefaultDefinitions(python, scriptsDir string) []models.WorkerDefinition {
	script := func(name string) []string {
		return []string{filepath.Join(scriptsDir, "scripts", name)}
	}

	managed := func(id, label, file string, port int, timeout time.Duration, memoryGB int, modelID, description string) models.WorkerDefinition {
		return models.WorkerDefinition{
			ID:             id,
			Label:          label,
			Description:    description,
			Command:        python,
			Args:           script(file),
			Port:           port,
			HealthPath:     "/health",
			Health:         statusHealthy,
			StartupTimeout: timeout,
			MemoryMB:       memoryGB * 1024,
			ModelID:        modelID,
			ReadyPatterns:  ReadyPatterns,
		}
	}

	tts := managed("qwen-tts", "Qwen3-TTS", "qwen-tts-worker.py", 8003, 90*time.Second, 8,
		"Qwen/Qwen3-TTS", "Text-to-speech with voice cloning, design and training")
	tts.Health = models.HealthSchema{Field: "models_loaded", Accepted: []string{"true"}}

	return []models.WorkerDefinition{
		tts,
		managed("heart", "Heart Music", "heart-worker.py", 8001, 2*time.Minute, 12,
			"heart/music", "AI music generation with style control"),
		managed("audio-processor", "Audio Processor", "audio-processor.py", 8002, time.Minute, 4,
			"facebook/demucs", "Stem separation, enhancement and audio processing"),
		{
			ID:             "comfyui",
			Label:          "ComfyUI",
			Description:    "Image and video generation workflows",
			Port:           8188,
			HealthPath:     "/system_stats",
			StartupTimeout: 30 * time.Second,
		},
		managed("qwen-image", "Qwen-Image", "qwen-image-worker.py", 8004, 90*time.Second, 10,
			"Qwen/Qwen-Image", "High-quality local image generation"),
		managed("hunyuan-image", "Hunyuan 3.0", "hunyuan-image-worker.py", 8005, 90*time.Second, 12,
			"tencent/HunyuanImage-3.0", "Tencent Hunyuan 3.0 image model"),
		managed("sam2", "SAM 2", "sam2-worker.py", 8006, time.Minute, 6,
			"facebook/sam2", "Segment Anything Model 2 for object isolation"),
		managed("hunyuan-video", "Hunyuan Video", "hunyuan-video-worker.py", 8007, 2*time.Minute, 24,
			"tencent/HunyuanVideo", "Tencent Hunyuan Video flagship model"),
		managed("svg-turbo", "SVG Turbo", "svg-turbo-worker.py", 8008, 30*time.Second, 2,
			"svg-turbo", "Fast local SVG generation"),
		managed("nvidia-personaplex", "PersonaPlex", "personaplex-worker.py", 8015, 2*time.Minute, 16,
			"nvidia/personaplex-7b-v1", "NVIDIA 7B full-duplex conversational voice AI"),
	}
}

// Registry holds the immutable worker definitions and their resolved base URLs
type Registry struct {
	defs  map[string]models.WorkerDefinition
	order []string
	urls  map[string]string
}

// NewRegistry validates definitions and applies per-worker overrides
func NewRegistry(defs []models.WorkerDefinition, overrides map[string]common.WorkerOverride) (*Registry, error) {
	validate := validator.New()

	r := &Registry{
		defs: make(map[string]models.WorkerDefinition, len(defs)),
		urls: make(map[string]string, len(defs)),
	}

	for _, def := range defs {
		if err := validate.Struct(def); err != nil {
			return nil, fmt.Errorf("invalid worker definition %q: %w", def.ID, err)
		}
		if _, dup := r.defs[def.ID]; dup {
			return nil, fmt.Errorf("duplicate worker definition %q", def.ID)
		}
		r.defs[def.ID] = def
		r.order = append(r.order, def.ID)
	}

	for id, o := range overrides {
		def, ok := r.defs[id]
		if !ok {
			return nil, fmt.Errorf("override for %w %q", ErrUnknownWorker, id)
		}
		if o.Port > 0 {
			def.Port = o.Port
			r.defs[id] = def
		}
		if o.URL != "" {
			r.urls[id] = strings.TrimRight(o.URL, "/")
		}
	}

	for _, id := range r.order {
		if _, ok := r.urls[id]; !ok {
			r.urls[id] = fmt.Sprintf("http://localhost:%d", r.defs[id].Port)
		}
	}

	if err := r.checkDependencies(); err != nil {
		return nil, err
	}

	return r, nil
}

// Get returns the definition for id
func (r *Registry) Get(id string) (models.WorkerDefinition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// All returns every definition in registration order
func (r *Registry) All() []models.WorkerDefinition {
	out := make([]models.WorkerDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// IDs returns every worker id in registration order
func (r *Registry) IDs() []string {
	return append([]string(nil), r.order...)
}

// URL returns the worker's base URL
func (r *Registry) URL(id string) string {
	return r.urls[id]
}

// HealthURL returns the full health endpoint URL
func (r *Registry) HealthURL(id string) string {
	return r.urls[id] + r.defs[id].HealthPath
}

// PortEnv returns the environment variable passing the port to a worker, e.g. QWEN_TTS_PORT=8003
func PortEnv(def models.WorkerDefinition) string {
	name := strings.ToUpper(strings.ReplaceAll(def.ID, "-", "_"))
	return fmt.Sprintf("%s_PORT=%d", name, def.Port)
}

func (r *Registry) checkDependencies() error {
	const (
		unvisited = iota
		visiting
		done
	)
	marks := make(map[string]int, len(r.defs))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch marks[id] {
		case visiting:
			return fmt.Errorf("worker dependency cycle: %s", strings.Join(append(path, id), " -> "))
		case done:
			return nil
		}
		marks[id] = visiting
		for _, dep := range r.defs[id].DependsOn {
			if _, ok := r.defs[dep]; !ok {
				return fmt.Errorf("worker %q depends on %w %q", id, ErrUnknownWorker, dep)
			}
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		marks[id] = done
		return nil
	}

	for _, id := range r.order {
		if err := visit(id, nil); err != nil {
			return err
		}
	}
	return nil
}
