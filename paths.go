package pkgdl

// TitleID returns the 9 character title id in contentID.
// Content ids have the form "UP0000-NPXX00000_00-0000000000000000".
func TitleID(contentID string) string {
	switch {
	case len(contentID) >= 16:
		return contentID[7:16]
	case len(contentID) > 9:
		return contentID[:9]
	default:
		return contentID
	}
}

// packageName returns the name of the package file under the package folder.
func packageName(titleID string) string {
	return titleID + ".pkg"
}
