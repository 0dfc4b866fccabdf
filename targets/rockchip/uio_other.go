//go:build !linux

package main

import (
	"github.com/pkg/errors"

	"pwmcap/core"
)

type uioLine struct{}

func openUIO(path string) (*uioLine, error) {
	return nil, errors.Errorf("uio device %s needs linux", path)
}

func (u *uioLine) Attach(h core.InterruptHandler) {}

func (u *uioLine) Run() error { return nil }

func (u *uioLine) Close() error { return nil }
