package platform

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// sdkR is the Android 11 API level. From R on, devices without a 64-bit
// ABI cannot run the wireless debugging bridge.
const sdkR = 30

// RunFunc runs one bridge command and returns its output.
type RunFunc func(ctx context.Context, args ...string) (string, error)

// DeviceABI is what a device reports about its SDK level and 64-bit ABIs.
type DeviceABI struct {
	SDK    int
	ABIs64 []string
}

// Unsupported reports a device on SDK R or later with no 64-bit ABI.
func (d DeviceABI) Unsupported() bool {
	return len(d.ABIs64) == 0 && d.SDK >= sdkR
}

func (d DeviceABI) String() string {
	abis := strings.Join(d.ABIs64, ",")
	if abis == "" {
		abis = "none"
	}
	return fmt.Sprintf("sdk %d, 64-bit abis %s", d.SDK, abis)
}

// IsADB reports whether binary names the adb client.
func IsADB(binary string) bool {
	name := strings.TrimSuffix(filepath.Base(strings.TrimSpace(binary)), ".exe")
	return name == "adb"
}

// QueryDeviceABI reads the SDK level and 64-bit ABI list through getprop.
func QueryDeviceABI(ctx context.Context, run RunFunc) (DeviceABI, error) {
	sdkOut, err := run(ctx, "shell", "getprop", "ro.build.version.sdk")
	if err != nil {
		return DeviceABI{}, err
	}
	sdk, err := strconv.Atoi(strings.TrimSpace(sdkOut))
	if err != nil {
		return DeviceABI{}, fmt.Errorf("parse sdk level %q: %w", strings.TrimSpace(sdkOut), err)
	}
	abiOut, err := run(ctx, "shell", "getprop", "ro.product.cpu.abilist64")
	if err != nil {
		return DeviceABI{}, err
	}
	info := DeviceABI{SDK: sdk}
	for _, abi := range strings.Split(strings.TrimSpace(abiOut), ",") {
		if abi = strings.TrimSpace(abi); abi != "" {
			info.ABIs64 = append(info.ABIs64, abi)
		}
	}
	return info, nil
}
