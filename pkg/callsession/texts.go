package callsession

import "github.com/arzzra/sessionbridge/pkg/engine"

// RegistrationText текст результата регистрации
func RegistrationText(st engine.RegState) string {
	msg := "Registration"
	if st.Expiration == 0 {
		msg = "Unregistration"
	}
	if st.Code/100 == 2 {
		return msg + " successful"
	}
	return msg + " failed: " + st.Reason
}

// BuddyStatusText текст присутствия контакта. Без активной подписки
// статус неизвестен.
func BuddyStatusText(info engine.BuddyInfo) string {
	if info.Subscription != engine.SubscriptionActive {
		return "?"
	}
	switch info.Status {
	case engine.PresenceOnline:
		if info.StatusText != "" {
			return info.StatusText
		}
		return "Online"
	case engine.PresenceOffline:
		return "Offline"
	}
	return "Unknown"
}

// CallStateText текст состояния звонка
func CallStateText(info engine.CallInfo) string {
	if info.State == engine.CallStateDisconnected {
		return "Call disconnected: " + info.LastReason
	}
	if info.Role == engine.RoleUAS && info.State < engine.CallStateConfirmed {
		return "Incoming call.."
	}
	if info.StateText != "" {
		return info.StateText
	}
	return info.State.String()
}

// RotationOrientation переводит поворот экрана в градусах в ориентацию
// исходящего видео. Камера на корпусе повернута на 90 градусов
// относительно естественного положения экрана.
func RotationOrientation(degrees int) engine.Orientation {
	switch degrees {
	case 0:
		return engine.OrientRotate270
	case 90:
		return engine.OrientNatural
	case 180:
		return engine.OrientRotate90
	case 270:
		return engine.OrientRotate180
	}
	return engine.OrientUnknown
}
