//go:build mediadevices

package main

import "github.com/1ureka/meshcall/internal/media"

func newCapturer(devices bool) (media.Capturer, error) {
	if !devices {
		return &media.Synthetic{}, nil
	}
	return media.NewDevices()
}
