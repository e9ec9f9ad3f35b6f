//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// +build !no_libudev

package transport

import (
	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
)

// ProbeInfo describes an attached probe matching a Filter.
type ProbeInfo struct {
	Bus          int
	Address      int
	VendorID     uint16
	ProductID    uint16
	Manufacturer string
	Product      string
	Serial       string
}

// hasInterface reports whether any alt setting of the device has the filter's class/subclass.
func hasInterface(dd *gousb.DeviceDesc, class, subClass uint8) bool {
	for _, cfg := range dd.Configs {
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				if uint8(alt.Class) == class && uint8(alt.SubClass) == subClass {
					return true
				}
			}
		}
	}
	return false
}

// MatchesFilter checks a USB device descriptor against the full vendor/product/class/subclass tuple.
func MatchesFilter(dd *gousb.DeviceDesc, filter Filter) bool {
	if uint16(dd.Vendor) != filter.VendorID || uint16(dd.Product) != filter.ProductID {
		return false
	}
	return hasInterface(dd, filter.Class, filter.SubClass)
}

// ListProbes enumerates USB devices and returns the ones matching filter.
func ListProbes(filter Filter) ([]ProbeInfo, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		result := MatchesFilter(dd, filter)
		glog.V(1).Infof("Dev %+v match %t", dd, result)
		return result
	})
	// OpenDevices may fail overall but still return results. Only fail if no devices were returned.
	if err != nil && len(devs) == 0 {
		return nil, NewError(KindTransportUnavailable, errors.Annotatef(err, "failed to enumerate USB devices"))
	}
	var res []ProbeInfo
	for _, dev := range devs {
		pi := ProbeInfo{
			Bus:       dev.Desc.Bus,
			Address:   dev.Desc.Address,
			VendorID:  uint16(dev.Desc.Vendor),
			ProductID: uint16(dev.Desc.Product),
		}
		pi.Manufacturer, _ = dev.Manufacturer()
		pi.Product, _ = dev.Product()
		pi.Serial, _ = dev.SerialNumber()
		dev.Close()
		if filter.Serial != "" && pi.Serial != filter.Serial {
			continue
		}
		res = append(res, pi)
	}
	return res, nil
}
