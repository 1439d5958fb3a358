package hypervisor

// VMConfig mirrors the subset of cloud-hypervisor's vm.create payload this
// package needs: memory, boot payload, disks, virtiofs mounts, vsock, and
// a single TAP network device.
type VMConfig struct {
	Memory  MemoryConfig   `json:"memory"`
	Payload PayloadConfig  `json:"payload"`
	Disks   []DiskConfig   `json:"disks,omitempty"`
	Fs      []FsConfig     `json:"fs,omitempty"`
	Serial  ConsoleConfig  `json:"serial"`
	Console ConsoleConfig  `json:"console"`
	Vsock   *VsockConfig   `json:"vsock,omitempty"`
	Net     []NetConfig    `json:"net,omitempty"`
}

type MemoryConfig struct {
	SizeBytes uint64 `json:"size"`
	Shared    bool   `json:"shared"`
}

type PayloadConfig struct {
	Kernel    string `json:"kernel,omitempty"`
	Initramfs string `json:"initramfs,omitempty"`
	Cmdline   string `json:"cmdline,omitempty"`
}

type DiskConfig struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readonly"`
	Direct   bool   `json:"direct"`
}

type FsConfig struct {
	Tag    string `json:"tag"`
	Socket string `json:"socket"`
}

type ConsoleMode string

const (
	ConsoleModeOff  ConsoleMode = "Off"
	ConsoleModeFile ConsoleMode = "File"
)

type ConsoleConfig struct {
	Mode ConsoleMode `json:"mode"`
	File string      `json:"file,omitempty"`
}

type VsockConfig struct {
	CID    int64  `json:"cid"`
	Socket string `json:"socket"`
}

type NetConfig struct {
	Tap string `json:"tap,omitempty"`
	IP  string `json:"ip,omitempty"`
}
