//go:build !linux

package hooks

import (
	"github.com/pkg/errors"

	"github.com/lfs-tools/lpkg/internal/logx"
)

func runInChroot(root, inChrootPath string, log *logx.Logger) error {
	return errors.New("chroot hook execution requires linux")
}
