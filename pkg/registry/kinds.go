package registry

import (
	"log/slog"
	"time"

	"github.com/dukex/devicehub/pkg/models"
)

// DefaultShellTimeout is applied to shell tasks that do not set one.
const DefaultShellTimeout = 300 * time.Second

// Builtin returns the specs for every kind in models.TaskKinds.
func Builtin() []KindSpec {
	return []KindSpec{
		{
			Kind: models.TaskKindShell,
			New:  func() models.Params { return &models.ShellParams{Timeout: int(DefaultShellTimeout.Seconds())} },
			Timeout: func(p models.Params) time.Duration {
				return time.Duration(p.(*models.ShellParams).Timeout) * time.Second
			},
		},
		{
			Kind: models.TaskKindScreenshot,
			New:  func() models.Params { return &models.ScreenshotParams{Quality: 85, Format: "png"} },
		},
		{
			Kind: models.TaskKindInputAction,
			New:  func() models.Params { return &models.InputActionParams{Button: "left", Clicks: 1} },
		},
		{
			Kind: models.TaskKindPowerAction,
			New:  func() models.Params { return &models.PowerActionParams{} },
			Timeout: func(p models.Params) time.Duration {
				return time.Duration(p.(*models.PowerActionParams).Delay)*time.Second + DefaultTimeout
			},
			Cancellable: func(p models.Params) bool {
				return p.(*models.PowerActionParams).Scheduled()
			},
		},
		{
			Kind: models.TaskKindServiceAction,
			New:  func() models.Params { return &models.ServiceActionParams{} },
		},
		{
			Kind: models.TaskKindRegistryAction,
			New:  func() models.Params { return &models.RegistryActionParams{ValueType: "REG_SZ"} },
		},
		{
			Kind: models.TaskKindEnvironmentAction,
			New:  func() models.Params { return &models.EnvironmentActionParams{Scope: "user"} },
		},
		{
			Kind: models.TaskKindBenchmark,
			New: func() models.Params {
				return &models.BenchmarkParams{TestTypes: []string{"cpu", "memory", "disk", "network"}, Duration: 30}
			},
			Timeout: func(p models.Params) time.Duration {
				return time.Duration(p.(*models.BenchmarkParams).Duration)*time.Second + DefaultTimeout
			},
		},
		{
			Kind: models.TaskKindFileList,
			New: func() models.Params {
				return &models.FileListParams{Path: "/", SortBy: "name", SortOrder: "asc", MaxDepth: 5}
			},
		},
		{
			Kind: models.TaskKindFileUpload,
			New: func() models.Params {
				return &models.FileUploadParams{ChunkSize: models.DefaultChunkSize, CreateDirs: true}
			},
		},
		{
			Kind: models.TaskKindFileDownload,
			New: func() models.Params {
				return &models.FileDownloadParams{ChunkSize: models.DefaultChunkSize, VerifyHash: true}
			},
		},
		{
			Kind: models.TaskKindFileOperation,
			New:  func() models.Params { return &models.FileOperationParams{CreateDirs: true} },
		},
		{
			Kind: models.TaskKindProcessList,
			New: func() models.Params {
				return &models.ProcessListParams{SortBy: "cpu", SortOrder: "desc", Limit: 100}
			},
		},
		{
			Kind: models.TaskKindProcessAction,
			New:  func() models.Params { return &models.ProcessActionParams{} },
		},
	}
}

// NewDefaultRegistry returns a registry with every builtin kind registered.
func NewDefaultRegistry(logger *slog.Logger) *Registry {
	r := NewRegistry(logger)

	for _, spec := range Builtin() {
		if err := r.Register(spec); err != nil {
			panic(err)
		}
	}

	return r
}
