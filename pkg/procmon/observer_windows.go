//go:build windows

package procmon

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// toolhelpObserver walks a Toolhelp32 process snapshot.
type toolhelpObserver struct{}

// NewObserver returns the platform process observer.
func NewObserver() ProcessObserver {
	return &toolhelpObserver{}
}

func (o *toolhelpObserver) Snapshot() ([]string, error) {
	handle, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create process snapshot: %w", err)
	}
	defer windows.CloseHandle(handle)

	var entry windows.ProcessEntry32
	entry.Size = uint32(unsafe.Sizeof(entry))

	if err := windows.Process32First(handle, &entry); err != nil {
		return nil, fmt.Errorf("failed to read process snapshot: %w", err)
	}

	var names []string
	for {
		names = append(names, windows.UTF16ToString(entry.ExeFile[:]))
		if err := windows.Process32Next(handle, &entry); err != nil {
			if err == windows.ERROR_NO_MORE_FILES {
				return names, nil
			}
			return nil, fmt.Errorf("failed to advance process snapshot: %w", err)
		}
	}
}
