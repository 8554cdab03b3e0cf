package wallet

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Fantasim/hdcustody/internal/config"
)

// Standard BIP-39 test mnemonic (12-word, known address vector).
const testMnemonic12 = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// Standard BIP-39 test mnemonic (24-word).
const testMnemonic24 = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon art"

func TestValidateMnemonic(t *testing.T) {
	tests := []struct {
		name     string
		mnemonic string
		wantErr  bool
	}{
		{"valid 24-word mnemonic", testMnemonic24, false},
		{"valid 12-word mnemonic", testMnemonic12, false},
		{"extra inner whitespace", strings.ReplaceAll(testMnemonic12, " ", "  "), false},
		{"empty", "", true},
		{"bad checksum", strings.Replace(testMnemonic12, "about", "abandon", 1), true},
		{"wrong words", "hello world foo bar baz qux quux corge grault garply waldo fred", true},
		{"15 words", testMnemonic12 + " abandon abandon abandon", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMnemonic(tt.mnemonic)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMnemonic() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, config.ErrInvalidMnemonic) {
				t.Errorf("ValidateMnemonic() error = %v, want ErrInvalidMnemonic", err)
			}
		})
	}
}

func TestValidateMnemonic_DoesNotLeakPhrase(t *testing.T) {
	bad := strings.Replace(testMnemonic12, "about", "zoo", 1)
	err := ValidateMnemonic(bad)
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Contains(err.Error(), "abandon") {
		t.Errorf("error message leaks mnemonic words: %q", err.Error())
	}
}

func TestMnemonicToSeed(t *testing.T) {
	seed, err := MnemonicToSeed(testMnemonic24)
	if err != nil {
		t.Fatalf("MnemonicToSeed() error = %v", err)
	}
	if len(seed) != 64 {
		t.Errorf("MnemonicToSeed() seed length = %d, want 64", len(seed))
	}

	seed2, err := MnemonicToSeed(testMnemonic24)
	if err != nil {
		t.Fatalf("MnemonicToSeed() second call error = %v", err)
	}
	for i := range seed {
		if seed[i] != seed2[i] {
			t.Fatalf("MnemonicToSeed() seed not deterministic at byte %d", i)
		}
	}
}

func TestReadMnemonicFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid file", func(t *testing.T) {
		path := filepath.Join(dir, "valid.txt")
		if err := os.WriteFile(path, []byte(testMnemonic24+"\n"), 0o600); err != nil {
			t.Fatal(err)
		}

		mnemonic, err := ReadMnemonicFromFile(path)
		if err != nil {
			t.Fatalf("ReadMnemonicFromFile() error = %v", err)
		}
		if mnemonic != testMnemonic24 {
			t.Errorf("ReadMnemonicFromFile() = %q, want %q", mnemonic, testMnemonic24)
		}
	})

	t.Run("empty file", func(t *testing.T) {
		path := filepath.Join(dir, "empty.txt")
		if err := os.WriteFile(path, []byte(""), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := ReadMnemonicFromFile(path); !errors.Is(err, config.ErrInvalidMnemonic) {
			t.Errorf("ReadMnemonicFromFile() error = %v, want ErrInvalidMnemonic", err)
		}
	})

	t.Run("nonexistent file", func(t *testing.T) {
		if _, err := ReadMnemonicFromFile(filepath.Join(dir, "nonexistent.txt")); err == nil {
			t.Error("ReadMnemonicFromFile() expected error for missing file")
		}
	})

	t.Run("no path", func(t *testing.T) {
		if _, err := ReadMnemonicFromFile(""); !errors.Is(err, config.ErrMnemonicFileNotSet) {
			t.Errorf("ReadMnemonicFromFile(\"\") error = %v, want ErrMnemonicFileNotSet", err)
		}
	})
}

func TestDeriveMasterKey(t *testing.T) {
	seed, err := MnemonicToSeed(testMnemonic24)
	if err != nil {
		t.Fatal(err)
	}

	key, err := DeriveMasterKey(seed)
	if err != nil {
		t.Fatalf("DeriveMasterKey() error = %v", err)
	}
	if !key.IsPrivate() {
		t.Error("DeriveMasterKey() returned non-private key")
	}
}
