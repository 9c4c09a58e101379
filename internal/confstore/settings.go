package confstore

type Settings struct {
	AdminUsername string `json:"admin_username"`
	AdminPassword string `json:"admin_password"`
	SecretKey     string `json:"secret_key"`
	AppName       string `json:"app_name"`
}

func defaultSettings() Settings {
	return Settings{
		AdminUsername: "admin",
		AdminPassword: "password",
		SecretKey:     "",
		AppName:       "Tempbox",
	}
}

// Settings returns the admin settings, falling back to built-in defaults
// when the file is missing or unreadable.
func (s *Store) Settings() Settings {
	settings := defaultSettings()
	if err := s.readJSON(settingsFile, &settings); err != nil {
		return defaultSettings()
	}
	if settings.AdminUsername == "" {
		settings.AdminUsername = "admin"
	}
	if settings.AdminPassword == "" {
		settings.AdminPassword = "password"
	}
	if settings.AppName == "" {
		settings.AppName = "Tempbox"
	}
	return settings
}

func (s *Store) SaveSettings(settings Settings) error {
	return s.writeJSON(settingsFile, settings)
}
