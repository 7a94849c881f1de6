package sysfs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/rs/zerolog"
)

const drmClassPath = "class/drm"

// card is a DRM card discovered under the sysfs root.
type card struct {
	id         string
	index      int
	devicePath string
	hwmonPath  string
	pciSlot    string
	pciID      string
	name       string
	subVendor  string
	subDevice  string
}

// discover enumerates DRM cards under root, ordered by card number.
func discover(root string, logger zerolog.Logger) ([]card, error) {
	sysRoot, err := os.OpenRoot(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs root: %w", err)
	}
	defer sysRoot.Close()

	entries, err := fs.ReadDir(sysRoot.FS(), drmClassPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn().Str("path", filepath.Join(root, drmClassPath)).Msg("DRM class path missing")
			return nil, nil
		}
		return nil, fmt.Errorf("read drm class dir: %w", err)
	}

	var cards []card
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "card") || !allDigits(name[len("card"):]) {
			continue
		}
		if !entry.IsDir() && entry.Type()&os.ModeSymlink == 0 {
			continue
		}

		c, err := loadCard(root, name)
		if err != nil {
			logger.Warn().Err(err).Str("card", name).Msg("Failed to load card info")
			continue
		}
		cards = append(cards, c)
	}

	sort.Slice(cards, func(i, j int) bool { return cards[i].index < cards[j].index })
	return cards, nil
}

func loadCard(root, cardID string) (card, error) {
	index, err := strconv.Atoi(cardID[len("card"):])
	if err != nil {
		return card{}, fmt.Errorf("parse card index: %w", err)
	}

	devicePath := filepath.Join(root, drmClassPath, cardID, "device")
	if _, err := os.Stat(devicePath); err != nil {
		return card{}, fmt.Errorf("stat device path: %w", err)
	}

	c := card{
		id:         cardID,
		index:      index,
		devicePath: devicePath,
		hwmonPath:  detectHwmon(devicePath),
	}

	if data, err := os.ReadFile(filepath.Join(devicePath, "uevent")); err == nil {
		text := string(data)
		c.pciSlot = parseKeyValue(text, "PCI_SLOT_NAME")
		c.pciID = parseKeyValue(text, "PCI_ID")
		if subsys := parseKeyValue(text, "PCI_SUBSYS_ID"); subsys != "" {
			if parts := strings.SplitN(subsys, ":", 2); len(parts) == 2 {
				c.subVendor, c.subDevice = parts[0], parts[1]
			}
		}
		c.name = parseKeyValue(text, "PCI_ID_NAME")
		if c.name == "" {
			c.name = parseKeyValue(text, "DRIVER")
		}
	}

	if c.pciID == "" {
		vendor, verr := readTrim(filepath.Join(devicePath, "vendor"))
		device, derr := readTrim(filepath.Join(devicePath, "device"))
		if verr == nil && derr == nil {
			c.pciID = strings.TrimPrefix(vendor, "0x") + ":" + strings.TrimPrefix(device, "0x")
		}
	}
	if c.name == "" {
		c.name, _ = readTrim(filepath.Join(devicePath, "product_name"))
	}
	if c.subVendor == "" {
		c.subVendor, _ = readTrim(filepath.Join(devicePath, "subsystem_vendor"))
	}
	if c.subDevice == "" {
		c.subDevice, _ = readTrim(filepath.Join(devicePath, "subsystem_device"))
	}

	return c, nil
}

func detectHwmon(devicePath string) string {
	hwmonRoot := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		if entry.IsDir() || entry.Type()&os.ModeSymlink != 0 {
			return filepath.Join(hwmonRoot, entry.Name())
		}
	}
	return ""
}

func parseKeyValue(data, key string) string {
	prefix := key + "="
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix))
		}
	}
	return ""
}

func readTrim(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func allDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
