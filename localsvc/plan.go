package localsvc

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/pagepress/ocrpilot/config"
	"github.com/pagepress/ocrpilot/hardware"
)

// DefaultLocalEndpoint is used for status payloads when no local URL is set.
const DefaultLocalEndpoint = "http://127.0.0.1:8001/v1"

// modelAliases maps short operator-facing names onto full model ids; the alias
// becomes the served-model-name so clients keep using the short form.
var modelAliases = map[string]string{
	"glm-ocr": "zai-org/GLM-4.1V-9B-Thinking",
}

// ErrModelEmpty rejects launch plans without a model id.
var ErrModelEmpty = errors.New("ocr-model-empty")

// ResolveLaunchModel maps an alias to its launch model id. The second return
// is the served-model-name, empty when the name needs no aliasing.
func ResolveLaunchModel(model string) (string, string, error) {
	normalized := strings.TrimSpace(model)
	if normalized == "" {
		return "", "", ErrModelEmpty
	}
	if mapped, ok := modelAliases[strings.ToLower(normalized)]; ok {
		return mapped, normalized, nil
	}
	return normalized, "", nil
}

// StartPlan captures everything needed to launch (and later reproduce) a
// local inference server. Command is emitted verbatim into provenance records.
type StartPlan struct {
	Endpoint        string
	Host            string
	Port            int
	Command         []string
	HardwarePath    string
	Model           string
	ServedModelName string
}

// BuildStartPlan resolves the launch command for the normalized endpoint.
func BuildStartPlan(ocr config.OCRSettings, endpoint string, caps hardware.CapabilitySnapshot, preferredHardwarePath string) (StartPlan, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return StartPlan{}, err
	}
	host := parsed.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port := 8001
	if p := parsed.Port(); p != "" {
		if n, convErr := strconv.Atoi(p); convErr == nil {
			port = n
		}
	}

	hwPath := preferredHardwarePath
	if hwPath != hardware.PathGPU && hwPath != hardware.PathCPU {
		hwPath = caps.PreferredHardwarePath()
	}

	model, servedName, err := ResolveLaunchModel(ocr.Model)
	if err != nil {
		return StartPlan{}, err
	}

	command := []string{
		"python3", "-m", "vllm.entrypoints.openai.api_server",
		"--model", model,
		"--host", host,
		"--port", strconv.Itoa(port),
		"--trust-remote-code",
		"--max-model-len", "8192",
	}
	if servedName != "" && servedName != model {
		command = append(command, "--served-model-name", servedName)
	}
	if hwPath == hardware.PathGPU {
		tp := caps.GPUCount()
		if tp < 1 {
			tp = 1
		}
		command = append(command, "--tensor-parallel-size", strconv.Itoa(tp))
		command = append(command, "--gpu-memory-utilization", "0.90")
	} else {
		command = append(command, "--device", "cpu")
	}

	return StartPlan{
		Endpoint:        endpoint,
		Host:            host,
		Port:            port,
		Command:         command,
		HardwarePath:    hwPath,
		Model:           model,
		ServedModelName: servedName,
	}, nil
}
