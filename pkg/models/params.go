package models

// Params is the kind-specific parameter payload of a task. Each kind has
// exactly one concrete variant.
type Params interface {
	Kind() TaskKind
}

// Checker is implemented by variants with rules that struct tags cannot express.
type Checker interface {
	Check() error
}

type ShellParams struct {
	Command    string            `json:"command"               validate:"required"`
	Timeout    int               `json:"timeout"               validate:"min=1,max=86400"`
	WorkingDir string            `json:"working_dir,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
}

func (ShellParams) Kind() TaskKind { return TaskKindShell }

type ScreenshotParams struct {
	MonitorIndex  int    `json:"monitor_index"  validate:"min=0"`
	Quality       int    `json:"quality"        validate:"min=1,max=100"`
	Format        string `json:"format"         validate:"oneof=png jpg bmp"`
	IncludeCursor bool   `json:"include_cursor"`
}

func (ScreenshotParams) Kind() TaskKind { return TaskKindScreenshot }

type InputActionParams struct {
	Action   string   `json:"action"             validate:"oneof=mouse_move mouse_click keyboard_type keyboard_press"`
	X        *int     `json:"x,omitempty"        validate:"omitempty,min=0"`
	Y        *int     `json:"y,omitempty"        validate:"omitempty,min=0"`
	Duration float64  `json:"duration,omitempty" validate:"min=0"`
	Button   string   `json:"button"             validate:"oneof=left right middle"`
	Clicks   int      `json:"clicks"             validate:"min=1,max=10"`
	Interval float64  `json:"interval,omitempty" validate:"min=0"`
	Text     string   `json:"text,omitempty"`
	Keys     []string `json:"keys,omitempty"`
}

func (InputActionParams) Kind() TaskKind { return TaskKindInputAction }

func (p InputActionParams) Check() error {
	switch p.Action {
	case "mouse_move", "mouse_click":
		if p.X == nil || p.Y == nil {
			return NewParamsError(TaskKindInputAction, "x,y", "required for "+p.Action)
		}
	case "keyboard_type":
		if p.Text == "" {
			return NewParamsError(TaskKindInputAction, "text", "required for keyboard_type")
		}
	case "keyboard_press":
		if len(p.Keys) == 0 {
			return NewParamsError(TaskKindInputAction, "keys", "required for keyboard_press")
		}
	}

	return nil
}

type PowerActionParams struct {
	Action  string `json:"action"            validate:"oneof=shutdown reboot sleep hibernate logout"`
	Force   bool   `json:"force"`
	Delay   int    `json:"delay"             validate:"min=0,max=86400"`
	Message string `json:"message,omitempty"`
}

func (PowerActionParams) Kind() TaskKind { return TaskKindPowerAction }

// Scheduled reports whether the action waits before running and can be cancelled.
func (p PowerActionParams) Scheduled() bool {
	return p.Delay > 0
}

type ServiceActionParams struct {
	Action      string `json:"action"       validate:"oneof=start stop restart status enable disable"`
	ServiceName string `json:"service_name" validate:"required"`
}

func (ServiceActionParams) Kind() TaskKind { return TaskKindServiceAction }

type RegistryActionParams struct {
	Action    string  `json:"action"               validate:"oneof=read write delete create_key delete_key"`
	KeyPath   string  `json:"key_path"             validate:"required"`
	ValueName string  `json:"value_name,omitempty"`
	ValueData *string `json:"value_data,omitempty"`
	ValueType string  `json:"value_type"           validate:"oneof=REG_SZ REG_DWORD REG_QWORD REG_BINARY REG_MULTI_SZ REG_EXPAND_SZ"`
}

func (RegistryActionParams) Kind() TaskKind { return TaskKindRegistryAction }

func (p RegistryActionParams) Check() error {
	if p.Action == "write" && p.ValueData == nil {
		return NewParamsError(TaskKindRegistryAction, "value_data", "required for write")
	}

	if (p.Action == "write" || p.Action == "read" || p.Action == "delete") && p.ValueName == "" {
		return NewParamsError(TaskKindRegistryAction, "value_name", "required for "+p.Action)
	}

	return nil
}

type EnvironmentActionParams struct {
	Action   string  `json:"action"              validate:"oneof=get set delete list"`
	VarName  string  `json:"var_name,omitempty"`
	VarValue *string `json:"var_value,omitempty"`
	Scope    string  `json:"scope"               validate:"oneof=user system"`
}

func (EnvironmentActionParams) Kind() TaskKind { return TaskKindEnvironmentAction }

func (p EnvironmentActionParams) Check() error {
	if p.Action != "list" && p.VarName == "" {
		return NewParamsError(TaskKindEnvironmentAction, "var_name", "required for "+p.Action)
	}

	if p.Action == "set" && p.VarValue == nil {
		return NewParamsError(TaskKindEnvironmentAction, "var_value", "required for set")
	}

	return nil
}

type BenchmarkParams struct {
	TestTypes []string `json:"test_types" validate:"min=1,dive,oneof=cpu memory disk network"`
	Duration  int      `json:"duration"   validate:"min=1,max=600"`
}

func (BenchmarkParams) Kind() TaskKind { return TaskKindBenchmark }

type FileListParams struct {
	Path          string   `json:"path"                 validate:"required"`
	Recursive     bool     `json:"recursive"`
	IncludeHidden bool     `json:"include_hidden"`
	FileTypes     []string `json:"file_types,omitempty"`
	SortBy        string   `json:"sort_by"              validate:"oneof=name size modified_time"`
	SortOrder     string   `json:"sort_order"           validate:"oneof=asc desc"`
	MaxDepth      int      `json:"max_depth"            validate:"min=1,max=20"`
}

func (FileListParams) Kind() TaskKind { return TaskKindFileList }

type FileOperationParams struct {
	Operation       string `json:"operation"                  validate:"oneof=copy move delete rename mkdir rmdir"`
	SourcePath      string `json:"source_path"                validate:"required"`
	DestinationPath string `json:"destination_path,omitempty"`
	Recursive       bool   `json:"recursive"`
	Force           bool   `json:"force"`
	CreateDirs      bool   `json:"create_dirs"`
}

func (FileOperationParams) Kind() TaskKind { return TaskKindFileOperation }

func (p FileOperationParams) Check() error {
	switch p.Operation {
	case "copy", "move", "rename":
		if p.DestinationPath == "" {
			return NewParamsError(TaskKindFileOperation, "destination_path", "required for "+p.Operation)
		}
	}

	return nil
}

type ProcessListParams struct {
	NameFilter string `json:"name_filter,omitempty"`
	SortBy     string `json:"sort_by"               validate:"oneof=cpu memory pid name"`
	SortOrder  string `json:"sort_order"            validate:"oneof=asc desc"`
	Limit      int    `json:"limit"                 validate:"min=1,max=1000"`
}

func (ProcessListParams) Kind() TaskKind { return TaskKindProcessList }

type ProcessActionParams struct {
	Action     string            `json:"action"                validate:"oneof=kill start"`
	PID        int               `json:"pid,omitempty"         validate:"min=0"`
	Force      bool              `json:"force"`
	Command    string            `json:"command,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
}

func (ProcessActionParams) Kind() TaskKind { return TaskKindProcessAction }

func (p ProcessActionParams) Check() error {
	if p.Action == "kill" && p.PID <= 0 {
		return NewParamsError(TaskKindProcessAction, "pid", "required for kill")
	}

	if p.Action == "start" && p.Command == "" {
		return NewParamsError(TaskKindProcessAction, "command", "required for start")
	}

	return nil
}

type FileUploadParams struct {
	DestinationPath string   `json:"destination_path"       validate:"required"`
	Filename        string   `json:"filename"               validate:"required"`
	TotalSize       int64    `json:"total_size"             validate:"min=0"`
	FileHash        string   `json:"file_hash,omitempty"    validate:"omitempty,hexadecimal"`
	ChunkSize       int64    `json:"chunk_size"             validate:"min=1"`
	ChunkHashes     []string `json:"chunk_hashes,omitempty" validate:"omitempty,dive,hexadecimal"`
	Overwrite       bool     `json:"overwrite"`
	CreateDirs      bool     `json:"create_dirs"`
}

func (FileUploadParams) Kind() TaskKind { return TaskKindFileUpload }

func (p FileUploadParams) Check() error {
	if n := ChunkCount(p.TotalSize, p.ChunkSize); len(p.ChunkHashes) > 0 && len(p.ChunkHashes) != n {
		return NewParamsError(TaskKindFileUpload, "chunk_hashes", "must list one hash per chunk")
	}

	return nil
}

type FileDownloadParams struct {
	SourcePath      string `json:"source_path"      validate:"required"`
	DestinationPath string `json:"destination_path" validate:"required"`
	Filename        string `json:"filename"`
	ChunkSize       int64  `json:"chunk_size"       validate:"min=1"`
	VerifyHash      bool   `json:"verify_hash"`
}

func (FileDownloadParams) Kind() TaskKind { return TaskKindFileDownload }
