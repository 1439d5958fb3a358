package hypervisor

import (
	_ "embed"
	"fmt"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

//go:embed assets/user-data
var cloudInitUserData string

//go:embed assets/meta-data
var cloudInitMetaDataTemplate string

const (
	dataDirVirtioTag = "DATA_DIR"
	keystoreVirtioTag = "KEYSTORE"

	// imgOverheadBytes is left for FAT bookkeeping overhead beyond the raw
	// payload (spec §4.4 step 2).
	imgOverheadBytes uint64 = 64 * 1024
	// minImageBytes is the floor on every generated image, regardless of
	// payload size.
	minImageBytes uint64 = 1024 * 1024
)

// launcherScriptTemplate is the shell script copied into the binary image
// alongside the service executable. It mounts the two filesystem-sharing
// mounts at fixed paths, exports the env contract, and execs the service.
const launcherScriptTemplate = `#!/bin/sh
set -e

mkdir -p {{DATA_DIR}}
mount -t virtiofs {{DATA_DIR_TAG}} {{DATA_DIR}}

mkdir -p {{KEYSTORE_DIR}}
mount -t virtiofs {{KEYSTORE_TAG}} {{KEYSTORE_DIR}}

{{ENV_VARS}}

exec /mnt/bin/service {{SERVICE_ARGS}}
`

// imageSize returns the smallest power of two >= max(payloadBytes +
// imgOverheadBytes, minImageBytes). Kept as a standalone function so the
// sizing property test of spec §8 ("VM image sizing") can call it
// directly.
func imageSize(payloadBytes uint64) uint64 {
	needed := payloadBytes + imgOverheadBytes
	if needed < minImageBytes {
		needed = minImageBytes
	}
	if bits.OnesCount64(needed) == 1 {
		return needed
	}
	shift := 64 - bits.LeadingZeros64(needed)
	return uint64(1) << uint(shift)
}

type fatFile struct {
	name string
	// exactly one of path/data is set.
	path string
	data []byte
}

// buildFatImage formats imagePath as a FAT32 volume sized per imageSize and
// copies files into its root directory. Deterministic given identical
// inputs (spec §4.3's "byte-identical artifacts" property extends to the
// images built from them).
func buildFatImage(imagePath, volumeLabel string, files []fatFile) error {
	var payload uint64
	for _, f := range files {
		if f.path != "" {
			info, err := os.Stat(f.path)
			if err != nil {
				return apperrors.Hypervisor("failed to stat image source file", err)
			}
			payload += uint64(info.Size())
		} else {
			payload += uint64(len(f.data))
		}
	}
	size := imageSize(payload)

	if err := os.MkdirAll(filepath.Dir(imagePath), 0o755); err != nil {
		return apperrors.Hypervisor("failed to create image directory", err)
	}
	d, err := diskfs.Create(imagePath, int64(size), diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return apperrors.Hypervisor("failed to create disk image", err)
	}

	fs, err := d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: volumeLabel,
	})
	if err != nil {
		return apperrors.Hypervisor("failed to format FAT32 volume", err)
	}

	for _, f := range files {
		out, err := fs.OpenFile("/"+f.name, os.O_CREATE|os.O_RDWR|os.O_TRUNC)
		if err != nil {
			return apperrors.Hypervisor(fmt.Sprintf("failed to create %s in image", f.name), err)
		}
		if f.path != "" {
			in, err := os.Open(f.path)
			if err != nil {
				return apperrors.Hypervisor("failed to open image source file", err)
			}
			_, err = io.Copy(out, in)
			in.Close()
			if err != nil {
				return apperrors.Hypervisor(fmt.Sprintf("failed to write %s into image", f.name), err)
			}
		} else if _, err := out.Write(f.data); err != nil {
			return apperrors.Hypervisor(fmt.Sprintf("failed to write %s into image", f.name), err)
		}
	}
	return nil
}

// renderLauncher fills the launcher script template. Invariant (spec §4.4):
// the script never embeds keystore/data contents, only the mount commands
// that attach them at runtime.
func renderLauncher(dataDir, keystoreDir string, env map[string]string, args []string) string {
	var envLines strings.Builder
	for k, v := range env {
		fmt.Fprintf(&envLines, "export %s=\"%s\"\n", k, shellQuoteValue(v))
	}
	script := launcherScriptTemplate
	script = strings.ReplaceAll(script, "{{DATA_DIR}}", dataDir)
	script = strings.ReplaceAll(script, "{{DATA_DIR_TAG}}", dataDirVirtioTag)
	script = strings.ReplaceAll(script, "{{KEYSTORE_DIR}}", keystoreDir)
	script = strings.ReplaceAll(script, "{{KEYSTORE_TAG}}", keystoreVirtioTag)
	script = strings.ReplaceAll(script, "{{ENV_VARS}}", envLines.String())
	script = strings.ReplaceAll(script, "{{SERVICE_ARGS}}", strings.Join(args, " "))
	return script
}

func shellQuoteValue(v string) string {
	return strings.ReplaceAll(v, `"`, `\"`)
}

// renderCloudInitMetaData templates the per-instance id into the static
// meta-data asset (spec §4.4 step 2, §6.4).
func renderCloudInitMetaData(instanceID uint32) string {
	return strings.ReplaceAll(cloudInitMetaDataTemplate, "{{BLUEPRINT_INSTANCE_ID}}", fmt.Sprintf("%d", instanceID))
}
