//go:build !linux

package cansim

import "errors"

func IsInterfaceUp(name string) (bool, error) { return false, errors.ErrUnsupported }

func SetInterfaceUp(name string) error { return errors.ErrUnsupported }

func SetInterfaceDown(name string) error { return errors.ErrUnsupported }

func SetBitrate(name string, bitrate uint32) error { return errors.ErrUnsupported }

func RequireRootOrCapNetAdmin(err error) error { return err }
