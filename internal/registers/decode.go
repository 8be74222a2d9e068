package registers

import (
	"fmt"
	"strings"
)

// decoded holds the numeric fields extracted from one register section, plus
// optional text attributes (model string) that are logged rather than
// exposed as sensors.
type decoded struct {
	fields map[string]float64
	model  string
}

// decodeBatteryInfo parses the battery summary section (register 5042):
// pack current, voltage, remaining charge and full capacity, with state of
// charge derived from the latter two.
func decodeBatteryInfo(payload []byte) (decoded, error) {
	if len(payload) < 12 {
		return decoded{}, fmt.Errorf("battery info payload too short: %d bytes", len(payload))
	}

	fields := map[string]float64{
		"current":          float64(int16(wordAt(payload, 0))) * 0.01,
		"voltage":          float64(wordAt(payload, 2)) * 0.1,
		"remaining_charge": float64(dwordAt(payload, 4)) * 0.001,
		"capacity":         float64(dwordAt(payload, 8)) * 0.001,
	}
	if fields["capacity"] > 0 {
		fields["soc"] = fields["remaining_charge"] / fields["capacity"] * 100
	}
	return decoded{fields: fields}, nil
}

// decodeCellVoltages parses the cell voltage section (register 5000): word 0
// is the cell count, followed by one millivolt word per cell.
func decodeCellVoltages(payload []byte) (decoded, error) {
	if len(payload) < 2 {
		return decoded{}, fmt.Errorf("cell voltage payload too short: %d bytes", len(payload))
	}

	count := int(wordAt(payload, 0))
	if max := (len(payload) - 2) / 2; count > max {
		count = max
	}
	if count == 0 {
		return decoded{fields: map[string]float64{"cell_count": 0}}, nil
	}

	fields := map[string]float64{"cell_count": float64(count)}
	min, max := 0.0, 0.0
	for i := 0; i < count; i++ {
		v := float64(wordAt(payload, 2+i*2)) * 0.001
		fields[fmt.Sprintf("cell_%d_voltage", i+1)] = v
		if i == 0 || v < min {
			min = v
		}
		if i == 0 || v > max {
			max = v
		}
	}
	fields["cell_voltage_min"] = min
	fields["cell_voltage_max"] = max
	fields["cell_voltage_delta"] = max - min
	return decoded{fields: fields}, nil
}

// decodeCellTemperatures parses the temperature sensor section (register
// 5017): word 0 is the sensor count, followed by signed deci-degree words.
func decodeCellTemperatures(payload []byte) (decoded, error) {
	if len(payload) < 2 {
		return decoded{}, fmt.Errorf("cell temperature payload too short: %d bytes", len(payload))
	}

	count := int(wordAt(payload, 0))
	if max := (len(payload) - 2) / 2; count > max {
		count = max
	}
	if count == 0 {
		return decoded{fields: map[string]float64{"temp_sensor_count": 0}}, nil
	}

	fields := map[string]float64{"temp_sensor_count": float64(count)}
	min, max := 0.0, 0.0
	for i := 0; i < count; i++ {
		v := float64(int16(wordAt(payload, 2+i*2))) * 0.1
		if i == 0 || v < min {
			min = v
		}
		if i == 0 || v > max {
			max = v
		}
	}
	fields["temperature_min"] = min
	fields["temperature_max"] = max
	fields["temperature_delta"] = max - min
	return decoded{fields: fields}, nil
}

// decodeDeviceInfo parses the device model section (register 5122). The
// model is informational only.
func decodeDeviceInfo(payload []byte) (decoded, error) {
	if len(payload) == 0 {
		return decoded{}, fmt.Errorf("device info payload empty")
	}
	end := len(payload)
	if end > 16 {
		end = 16
	}
	model := strings.TrimRight(string(payload[:end]), "\x00 ")
	return decoded{model: model}, nil
}

// decodeDeviceAddress parses the configured bus address section (register
// 5223).
func decodeDeviceAddress(payload []byte) (decoded, error) {
	if len(payload) < 2 {
		return decoded{}, fmt.Errorf("device address payload too short: %d bytes", len(payload))
	}
	return decoded{fields: map[string]float64{"device_address": float64(wordAt(payload, 0))}}, nil
}
