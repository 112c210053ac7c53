package subscription

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// wbiMixinTable is the published shuffle order that turns img_key+sub_key
// into the mixin key. Indexes past the source length are clamped by the
// [:32] truncation below.
var wbiMixinTable = []int{
	46, 47, 18, 2, 53, 8, 23, 32, 15, 50, 10, 31, 58, 3, 45, 35, 27, 43, 5, 49,
	33, 9, 42, 19, 29, 28, 14, 39, 12, 38, 41, 13, 37, 48, 7, 16, 24, 55, 40,
	61, 26, 17, 57, 54, 36, 48, 14, 24, 50, 54, 19, 10, 33, 23, 20, 31, 60, 2,
}

func mixinKey(imgKey, subKey string) string {
	orig := imgKey + subKey
	var b strings.Builder
	for _, i := range wbiMixinTable {
		if i < len(orig) {
			b.WriteByte(orig[i])
		}
	}
	key := b.String()
	if len(key) > 32 {
		key = key[:32]
	}
	return key
}

// signWBI appends wts and w_rid to params. The signature is the md5 of the
// sorted query string concatenated with the mixin key.
func signWBI(params url.Values, imgKey, subKey string) url.Values {
	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	signed.Set("wts", strconv.FormatInt(time.Now().Unix(), 10))

	// url.Values.Encode sorts keys, which is exactly the canonical form the
	// signature is computed over.
	sum := md5.Sum([]byte(signed.Encode() + mixinKey(imgKey, subKey)))
	signed.Set("w_rid", hex.EncodeToString(sum[:]))
	return signed
}

// parseWBIKeys extracts the key pair from the nav endpoint's wbi_img URLs:
// the key is the image basename without its extension.
func parseWBIKeys(imgURL, subURL string) (string, string, error) {
	imgKey := keyFromURL(imgURL)
	subKey := keyFromURL(subURL)
	if imgKey == "" || subKey == "" {
		return "", "", fmt.Errorf("malformed wbi key urls %q, %q", imgURL, subURL)
	}
	return imgKey, subKey, nil
}

func keyFromURL(u string) string {
	base := u
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base
}
