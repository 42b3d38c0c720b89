//go:build !mediadevices

package main

import (
	"github.com/1ureka/meshcall/internal/media"
	"github.com/1ureka/meshcall/internal/util"
)

func newCapturer(devices bool) (media.Capturer, error) {
	if devices {
		util.LogWarning("built without mediadevices; using synthetic capture")
	}
	return &media.Synthetic{}, nil
}
